package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harleycoops/deepagent/internal/model"
)

func testConfig(adapters ...string) model.SandboxConfig {
	return model.SandboxConfig{
		TTLSec:            600,
		CommandTimeoutSec: 60,
		Adapters:          adapters,
	}
}

func TestOpen_VerifiesCommandChannel(t *testing.T) {
	provider := NewFakeProvider()
	s, err := Open(context.Background(), provider, testConfig())
	require.NoError(t, err)
	defer s.Close(context.Background())

	cmds := provider.Commands()
	require.NotEmpty(t, cmds)
	assert.Contains(t, cmds[0], verifyMarker)
	assert.True(t, model.ValidateID(s.ID()))
}

func TestOpen_ProvisioningFailure(t *testing.T) {
	provider := NewFakeProvider()
	provider.CreateErr = errors.New("quota exceeded")

	_, err := Open(context.Background(), provider, testConfig())
	var prov *model.ProvisioningError
	require.True(t, errors.As(err, &prov))
}

func TestOpen_VerificationFailureReleasesEnvironment(t *testing.T) {
	provider := NewFakeProvider()
	provider.RunFunc = func(cmd string) (CommandResult, error) {
		return CommandResult{ExitCode: 127, Stderr: "echo: not found"}, nil
	}

	_, err := Open(context.Background(), provider, testConfig())
	var prov *model.ProvisioningError
	require.True(t, errors.As(err, &prov))
	assert.Equal(t, 1, provider.KillCount(), "failed open must release the environment")
}

func TestRunCommand_FootgunHints(t *testing.T) {
	tests := []struct {
		name     string
		result   CommandResult
		wantHint string
	}{
		{
			name:     "python zero division",
			result:   CommandResult{Stderr: "ZeroDivisionError: division by zero", ExitCode: 1},
			wantHint: "division by zero",
		},
		{
			name:     "empty dataset",
			result:   CommandResult{Stderr: "error: result set is empty", ExitCode: 2},
			wantHint: "empty dataset",
		},
		{
			name:     "plain failure gets no hint",
			result:   CommandResult{Stderr: "permission denied", ExitCode: 1},
			wantHint: "",
		},
		{
			name:     "empty mention with exit 0 gets no hint",
			result:   CommandResult{Stdout: "table is empty"},
			wantHint: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := NewFakeProvider()
			s, err := Open(context.Background(), provider, testConfig())
			require.NoError(t, err)
			defer s.Close(context.Background())

			scripted := tt.result
			provider.RunFunc = func(cmd string) (CommandResult, error) {
				return scripted, nil
			}

			result, err := s.RunCommand(context.Background(), "run-something", 0)
			require.NoError(t, err)
			if tt.wantHint == "" {
				assert.Empty(t, result.Hint)
			} else {
				assert.Contains(t, result.Hint, tt.wantHint)
			}
		})
	}
}

func TestRunCommand_AfterExpiry(t *testing.T) {
	provider := NewFakeProvider()
	s, err := Open(context.Background(), provider, testConfig())
	require.NoError(t, err)
	defer s.Close(context.Background())

	s.deadline = time.Now().Add(-time.Minute)

	_, err = s.RunCommand(context.Background(), "echo hi", 0)
	var expired *model.SessionExpiredError
	require.True(t, errors.As(err, &expired))
	assert.Equal(t, s.ID(), expired.SessionID)
}

func TestWriteFile_CreatesParentDirs(t *testing.T) {
	provider := NewFakeProvider()
	s, err := Open(context.Background(), provider, testConfig())
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.WriteFile(context.Background(), "/home/user/deep/nested/file.txt", []byte("data")))

	var sawMkdir bool
	for _, cmd := range provider.Commands() {
		if strings.HasPrefix(cmd, "mkdir -p") && strings.Contains(cmd, "/home/user/deep/nested") {
			sawMkdir = true
		}
	}
	assert.True(t, sawMkdir, "expected mkdir -p for parent directory")

	data, err := s.ReadFile(context.Background(), "/home/user/deep/nested/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestCallAdapter_Unregistered(t *testing.T) {
	provider := NewFakeProvider()
	s, err := Open(context.Background(), provider, testConfig("github"))
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.CallAdapter(context.Background(), "notion", "search", nil)
	var unavailable *model.AdapterUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "notion", unavailable.Adapter)
}

func TestCallAdapter_TokenRefreshOnce(t *testing.T) {
	provider := NewFakeProvider()
	provider.SetTokens("stale-token", "fresh-token")

	var calls []string
	provider.AdapterFunc = func(token, adapter, operation string, args map[string]any) (json.RawMessage, error) {
		calls = append(calls, token)
		if token == "stale-token" {
			return nil, &model.AuthenticationError{Operation: "call_adapter"}
		}
		return json.RawMessage(`{"ok":true}`), nil
	}

	s, err := Open(context.Background(), provider, testConfig("github"))
	require.NoError(t, err)
	defer s.Close(context.Background())

	result, err := s.CallAdapter(context.Background(), "github", "get_me", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, []string{"stale-token", "fresh-token"}, calls)
}

func TestCallAdapter_AuthFailureSurfacedAfterRetry(t *testing.T) {
	provider := NewFakeProvider()
	provider.SetTokens("t1", "t2")

	var attempts int
	provider.AdapterFunc = func(token, adapter, operation string, args map[string]any) (json.RawMessage, error) {
		attempts++
		return nil, &model.AuthenticationError{Operation: "call_adapter"}
	}

	s, err := Open(context.Background(), provider, testConfig("github"))
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.CallAdapter(context.Background(), "github", "get_me", nil)
	var auth *model.AuthenticationError
	require.True(t, errors.As(err, &auth))
	assert.Equal(t, 2, attempts, "exactly one refresh-and-retry")
}

func TestClose_Idempotent(t *testing.T) {
	provider := NewFakeProvider()
	s, err := Open(context.Background(), provider, testConfig())
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, provider.KillCount())

	_, err = s.RunCommand(context.Background(), "echo hi", 0)
	assert.Error(t, err, "operations after close must fail")
}

func TestSession_SingleFlight(t *testing.T) {
	provider := NewFakeProvider()
	s, err := Open(context.Background(), provider, testConfig())
	require.NoError(t, err)
	defer s.Close(context.Background())

	var inFlight, maxInFlight atomic.Int64
	provider.RunFunc = func(cmd string) (CommandResult, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return CommandResult{Stdout: "ok"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RunCommand(context.Background(), "probe", 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(), "no two operations may run concurrently against one handle")
}
