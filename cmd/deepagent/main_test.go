package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harleycoops/deepagent/internal/loop"
	"github.com/harleycoops/deepagent/internal/model"
)

func TestBuildTaskReportSuccess(t *testing.T) {
	result := loop.Result{RunID: "run_1756400000_0a1b2c3d", Answer: "42", Iterations: 3, Finished: true}
	report := buildTaskReport("task_1756400000_0a1b2c3d", result, nil)

	assert.Equal(t, model.JobSucceeded, report.Status)
	assert.Equal(t, "42", report.Answer)
	assert.Equal(t, 3, report.Iterations)
	assert.Nil(t, report.Error)

	out, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"task_id": "task_1756400000_0a1b2c3d",
		"run_id": "run_1756400000_0a1b2c3d",
		"status": "succeeded",
		"answer": "42",
		"iterations": 3
	}`, string(out))
}

func TestBuildTaskReportClassifiesErrors(t *testing.T) {
	result := loop.Result{RunID: "run_1756400000_0a1b2c3d", Iterations: 1}
	runErr := &model.UnknownToolError{Name: "fetch_data"}
	report := buildTaskReport("task_1756400000_0a1b2c3d", result, runErr)

	assert.Equal(t, model.JobFailed, report.Status)
	require.NotNil(t, report.Error)
	assert.Equal(t, runErr.Code(), report.Error.Code)
	assert.Contains(t, report.Error.Message, "fetch_data")
	assert.Empty(t, report.Answer)
}

func TestBuildTaskReportIterationCeilingIsFailure(t *testing.T) {
	result := loop.Result{RunID: "run_1756400000_0a1b2c3d", Iterations: 25, Finished: false}
	report := buildTaskReport("task_1756400000_0a1b2c3d", result, nil)

	assert.Equal(t, model.JobFailed, report.Status)
	require.NotNil(t, report.Error)
	assert.Equal(t, model.ErrCodeInternal, report.Error.Code)
	assert.Contains(t, report.Error.Message, "iteration ceiling")
}
