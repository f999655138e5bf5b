package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestValidateJobTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"queued to running", JobQueued, JobRunning, false},
		{"running to succeeded", JobRunning, JobSucceeded, false},
		{"running to failed", JobRunning, JobFailed, false},
		{"running back to queued (retry)", JobRunning, JobQueued, false},
		{"queued to succeeded skips running", JobQueued, JobSucceeded, true},
		{"queued to failed skips running", JobQueued, JobFailed, true},
		{"succeeded is terminal", JobSucceeded, JobQueued, true},
		{"failed is terminal", JobFailed, JobRunning, true},
		{"unknown status", JobStatus("bogus"), JobRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJobTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsJobTerminal(t *testing.T) {
	if IsJobTerminal(JobQueued) || IsJobTerminal(JobRunning) {
		t.Error("queued/running must not be terminal")
	}
	if !IsJobTerminal(JobSucceeded) || !IsJobTerminal(JobFailed) {
		t.Error("succeeded/failed must be terminal")
	}
}

func TestValidateAdapterTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    AdapterStatus
		to      AdapterStatus
		wantErr bool
	}{
		{"draft to validated", AdapterDraft, AdapterValidated, false},
		{"validated to deployed", AdapterValidated, AdapterDeployed, false},
		{"validated back to draft (mutation)", AdapterValidated, AdapterDraft, false},
		{"deployed back to draft (mutation)", AdapterDeployed, AdapterDraft, false},
		{"draft straight to deployed", AdapterDraft, AdapterDeployed, true},
		{"deployed to validated", AdapterDeployed, AdapterValidated, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAdapterTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAdapterTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeTask, IDTypeRun, IDTypeSession, IDTypeAdapter} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID %q does not validate", id)
		}
		parsed, err := ParseIDType(id)
		if err != nil {
			t.Fatalf("ParseIDType(%s): %v", id, err)
		}
		if parsed != idType {
			t.Errorf("ParseIDType(%s) = %s, want %s", id, parsed, idType)
		}
	}

	if _, err := GenerateID(IDType("nope")); err == nil {
		t.Error("GenerateID with invalid type should fail")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, err := GenerateID(IDTypeTask)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatal(err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("parsed timestamp %v outside expected window", ts)
	}

	if _, err := ParseIDTimestamp("not_an_id"); err == nil {
		t.Error("ParseIDTimestamp on garbage should fail")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"provisioning", &ProvisioningError{Reason: "quota exceeded"}, ErrCodeProvisioning},
		{"authentication", &AuthenticationError{Operation: "run_command"}, ErrCodeAuthentication},
		{"unknown tool", &UnknownToolError{Name: "frobnicate"}, ErrCodeUnknownTool},
		{"invalid arguments", &InvalidArgumentsError{Tool: "echo", Reason: "missing text"}, ErrCodeInvalidArguments},
		{"schema", &SchemaError{Tool: "post", Reason: "properties not an object"}, ErrCodeSchema},
		{"adapter unavailable", &AdapterUnavailableError{Adapter: "github"}, ErrCodeAdapterUnavailable},
		{"not validated", &NotValidatedError{Server: "slack", Status: AdapterDraft}, ErrCodeNotValidated},
		{"duplicate name", &DuplicateNameError{Name: "slack"}, ErrCodeDuplicateName},
		{"session expired", &SessionExpiredError{SessionID: "sess_0000000000_deadbeef"}, ErrCodeSessionExpired},
		{"plain error", errors.New("boom"), ErrCodeInternal},
		{"wrapped taxonomy error", fmt.Errorf("open session: %w", &ProvisioningError{Reason: "auth"}), ErrCodeProvisioning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detail := Classify(tt.err)
			if detail.Code != tt.wantCode {
				t.Errorf("Classify(%v).Code = %s, want %s", tt.err, detail.Code, tt.wantCode)
			}
			if detail.Message == "" {
				t.Error("Classify produced empty message")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}.ApplyDefaults()
	if cfg.Agent.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d, want 25", cfg.Agent.MaxIterations)
	}
	if cfg.Server.PollIntervalSec != 10 || cfg.Server.MaxRetries != 3 {
		t.Errorf("server defaults not applied: %+v", cfg.Server)
	}

	cfg = Config{Agent: AgentConfig{MaxIterations: 7}}.ApplyDefaults()
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("explicit MaxIterations overridden: %d", cfg.Agent.MaxIterations)
	}
}
