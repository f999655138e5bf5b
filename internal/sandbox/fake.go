package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harleycoops/deepagent/internal/model"
)

// FakeProvider is an in-memory Provider for tests. It emulates a small
// shell (echo, mkdir, cat) against a map-backed filesystem and lets tests
// script command results, adapter calls, and failures.
type FakeProvider struct {
	mu sync.Mutex

	nextID   int
	killed   map[string]bool
	files    map[string]map[string][]byte // handle -> path -> content
	commands []string                     // every command run, in order

	tokens      []string // handed out in order; last one repeats
	tokenCursor int

	// CreateErr, if set, fails Create.
	CreateErr error
	// RunFunc, if set, intercepts Run after the command is recorded.
	RunFunc func(cmd string) (CommandResult, error)
	// AdapterFunc, if set, handles CallAdapter. Receives the bearer token
	// so tests can assert refresh behavior.
	AdapterFunc func(token, adapter, operation string, args map[string]any) (json.RawMessage, error)
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		killed: make(map[string]bool),
		files:  make(map[string]map[string][]byte),
		tokens: []string{"fake-token-1"},
	}
}

// SetTokens scripts the sequence AdapterToken returns.
func (f *FakeProvider) SetTokens(tokens ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = tokens
	f.tokenCursor = 0
}

// Commands returns every command run so far.
func (f *FakeProvider) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// Killed reports whether the handle was released.
func (f *FakeProvider) Killed(handleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed[handleID]
}

// KillCount returns how many handles were released.
func (f *FakeProvider) KillCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.killed {
		if k {
			n++
		}
	}
	return n
}

func (f *FakeProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return Handle{}, f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("sbx_%04d", f.nextID)
	f.files[id] = make(map[string][]byte)
	return Handle{ID: id}, nil
}

func (f *FakeProvider) Run(ctx context.Context, h Handle, cmd string, timeout time.Duration) (CommandResult, error) {
	f.mu.Lock()
	if f.killed[h.ID] {
		f.mu.Unlock()
		return CommandResult{}, &model.SessionExpiredError{SessionID: h.ID}
	}
	f.commands = append(f.commands, cmd)
	runFunc := f.RunFunc
	f.mu.Unlock()

	if runFunc != nil {
		return runFunc(cmd)
	}
	return f.emulate(h, cmd), nil
}

// emulate covers the few shell commands sessions issue on their own.
func (f *FakeProvider) emulate(h Handle, cmd string) CommandResult {
	switch {
	case strings.HasPrefix(cmd, "echo "):
		return CommandResult{Stdout: strings.Trim(strings.TrimPrefix(cmd, "echo "), "\"'") + "\n"}
	case strings.HasPrefix(cmd, "mkdir "):
		return CommandResult{}
	case strings.HasPrefix(cmd, "ls -1 "):
		return f.emulateList(h, cmd)
	case strings.HasPrefix(cmd, "cat "):
		path := strings.Trim(strings.TrimPrefix(cmd, "cat "), "\"'")
		f.mu.Lock()
		defer f.mu.Unlock()
		if content, ok := f.files[h.ID][path]; ok {
			return CommandResult{Stdout: string(content)}
		}
		return CommandResult{Stderr: fmt.Sprintf("cat: %s: No such file or directory\n", path), ExitCode: 1}
	default:
		return CommandResult{}
	}
}

// emulateList lists the immediate children of a directory from the
// map-backed filesystem.
func (f *FakeProvider) emulateList(h Handle, cmd string) CommandResult {
	arg := strings.TrimPrefix(cmd, "ls -1 ")
	if i := strings.Index(arg, " 2>"); i >= 0 {
		arg = arg[:i]
	}
	dir := strings.Trim(strings.TrimSpace(arg), "\"'")
	prefix := strings.TrimSuffix(dir, "/") + "/"

	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var names []string
	for p := range f.files[h.ID] {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		name := strings.SplitN(strings.TrimPrefix(p, prefix), "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return CommandResult{}
	}
	return CommandResult{Stdout: strings.Join(names, "\n") + "\n"}
}

func (f *FakeProvider) ReadFile(ctx context.Context, h Handle, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed[h.ID] {
		return nil, &model.SessionExpiredError{SessionID: h.ID}
	}
	content, ok := f.files[h.ID][path]
	if !ok {
		return nil, fmt.Errorf("read %s: no such file", path)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (f *FakeProvider) WriteFile(ctx context.Context, h Handle, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed[h.ID] {
		return &model.SessionExpiredError{SessionID: h.ID}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	f.files[h.ID][path] = stored
	return nil
}

// FileContent returns the stored content for a handle's path.
func (f *FakeProvider) FileContent(handleID, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[handleID][path]
	return content, ok
}

func (f *FakeProvider) AdapterToken(ctx context.Context, h Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return "", &model.AuthenticationError{Operation: "adapter_token"}
	}
	token := f.tokens[f.tokenCursor]
	if f.tokenCursor < len(f.tokens)-1 {
		f.tokenCursor++
	}
	return token, nil
}

func (f *FakeProvider) CallAdapter(ctx context.Context, h Handle, token, adapter, operation string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	adapterFunc := f.AdapterFunc
	f.mu.Unlock()

	if adapterFunc != nil {
		return adapterFunc(token, adapter, operation, args)
	}
	return json.RawMessage(fmt.Sprintf(`{"adapter":%q,"operation":%q}`, adapter, operation)), nil
}

func (f *FakeProvider) Kill(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[h.ID] = true
	return nil
}
