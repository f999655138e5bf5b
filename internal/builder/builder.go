// Package builder implements runtime self-extension: scaffolding,
// validating, and deploying new adapter servers whose tools become
// callable without redeploying the host process.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harleycoops/deepagent/internal/events"
	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/sandbox"
	"github.com/harleycoops/deepagent/internal/tool"
)

const (
	// DefaultStorageRoot is where adapter servers live inside the sandbox.
	DefaultStorageRoot = "/home/user/adapters"

	manifestFileName = "manifest.json"
	schemaVersion    = 1
	fileTypeManifest = "adapter_manifest"
)

var (
	adapterNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
)

// TestFailure names one tool that failed validation and why.
type TestFailure struct {
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// TestReport is the outcome of validating an adapter server.
type TestReport struct {
	Passed   bool          `json:"passed"`
	Failures []TestFailure `json:"failures,omitempty"`
}

// Builder manages adapter servers stored in the sandbox filesystem and
// deploys validated ones into the live tool registry.
type Builder struct {
	mu          sync.Mutex
	session     *sandbox.Session
	registry    *tool.Registry
	storageRoot string
	logger      *log.Logger
	logLevel    model.LogLevel
	events      *events.Log // optional
	bus         *events.Bus // optional
}

func New(session *sandbox.Session, registry *tool.Registry, logger *log.Logger, logLevel model.LogLevel) *Builder {
	return &Builder{
		session:     session,
		registry:    registry,
		storageRoot: DefaultStorageRoot,
		logger:      logger,
		logLevel:    logLevel,
	}
}

// SetStorageRoot overrides the adapter storage directory.
func (b *Builder) SetStorageRoot(root string) {
	b.storageRoot = root
}

// SetEventLog wires an execution log for deploy events.
func (b *Builder) SetEventLog(eventLog *events.Log) {
	b.events = eventLog
}

// SetBus wires an event bus for deploy notifications.
func (b *Builder) SetBus(bus *events.Bus) {
	b.bus = bus
}

// Scaffold creates a new adapter server in DRAFT status. The name must be
// unused; an existing manifest means DuplicateNameError.
func (b *Builder) Scaffold(ctx context.Context, name, description string) (*model.AdapterManifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !adapterNamePattern.MatchString(name) {
		return nil, &model.SchemaError{Tool: name, Reason: "adapter name must match ^[a-z][a-z0-9_]*$"}
	}

	if _, err := b.loadManifest(ctx, name); err == nil {
		return nil, &model.DuplicateNameError{Name: name}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	manifest := &model.AdapterManifest{
		SchemaVersion: schemaVersion,
		FileType:      fileTypeManifest,
		Name:          name,
		Description:   description,
		Status:        model.AdapterDraft,
		StoragePath:   path.Join(b.storageRoot, name),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := b.saveManifest(ctx, manifest); err != nil {
		return nil, err
	}
	if err := b.session.WriteFile(ctx, path.Join(manifest.StoragePath, "README.md"), scaffoldReadme(name, description)); err != nil {
		return nil, fmt.Errorf("write adapter readme: %w", err)
	}

	b.log(model.LogLevelInfo, "scaffolded adapter %s", name)
	return manifest, nil
}

// AddTool appends a tool declaration to an adapter server after static
// checks: the parameter schema must compile, and the implementation may
// reference only declared parameters. Mutating a validated or deployed
// server forces it back to DRAFT.
func (b *Builder) AddTool(ctx context.Context, adapterName, toolName, description string, parameterSchema map[string]any, implementation string) (*model.AdapterManifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	manifest, err := b.loadManifest(ctx, adapterName)
	if err != nil {
		return nil, err
	}

	if !adapterNamePattern.MatchString(toolName) {
		return nil, &model.SchemaError{Tool: toolName, Reason: "tool name must match ^[a-z][a-z0-9_]*$"}
	}
	if strings.TrimSpace(implementation) == "" {
		return nil, &model.SchemaError{Tool: toolName, Reason: "implementation is empty"}
	}
	if err := tool.CompileSchemaCheck(toolName, parameterSchema); err != nil {
		return nil, err
	}
	if err := checkPlaceholders(toolName, parameterSchema, implementation); err != nil {
		return nil, err
	}

	declared := model.AdapterTool{
		Name:            toolName,
		Description:     description,
		ParameterSchema: parameterSchema,
		Implementation:  implementation,
	}

	replaced := false
	for i, existing := range manifest.Tools {
		if existing.Name == toolName {
			manifest.Tools[i] = declared
			replaced = true
			break
		}
	}
	if !replaced {
		manifest.Tools = append(manifest.Tools, declared)
	}

	// Mutation invalidates prior validation.
	if manifest.Status != model.AdapterDraft {
		if err := model.ValidateAdapterTransition(manifest.Status, model.AdapterDraft); err != nil {
			return nil, err
		}
		manifest.Status = model.AdapterDraft
	}

	if err := b.saveManifest(ctx, manifest); err != nil {
		return nil, err
	}
	b.log(model.LogLevelInfo, "adapter %s: added tool %s (%d total)", adapterName, toolName, len(manifest.Tools))
	return manifest, nil
}

// Test executes every declared tool against its sample invocations in a
// scratch directory. The server transitions to VALIDATED only when all
// tools pass; failures are reported in declaration order.
func (b *Builder) Test(ctx context.Context, adapterName string, samples map[string][]map[string]any) (TestReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	manifest, err := b.loadManifest(ctx, adapterName)
	if err != nil {
		return TestReport{}, err
	}
	if len(manifest.Tools) == 0 {
		return TestReport{Passed: false, Failures: []TestFailure{{Tool: adapterName, Reason: "adapter declares no tools"}}}, nil
	}

	scratchDir := path.Join(manifest.StoragePath, ".test")
	report := TestReport{Passed: true}

	for _, declared := range manifest.Tools {
		invocations := samples[declared.Name]
		if len(invocations) == 0 {
			invocations = []map[string]any{synthesizeArgs(declared.ParameterSchema)}
		}
		for _, args := range invocations {
			if reason := b.checkInvocation(ctx, declared, args, scratchDir); reason != "" {
				report.Passed = false
				report.Failures = append(report.Failures, TestFailure{Tool: declared.Name, Reason: reason})
				break
			}
		}
	}

	// Only a draft gets promoted. Re-testing a validated or deployed
	// adapter is a no-op revalidation, not a transition.
	if report.Passed && manifest.Status == model.AdapterDraft {
		if err := model.ValidateAdapterTransition(manifest.Status, model.AdapterValidated); err != nil {
			return TestReport{}, err
		}
		manifest.Status = model.AdapterValidated
		if err := b.saveManifest(ctx, manifest); err != nil {
			return TestReport{}, err
		}
	}

	b.log(model.LogLevelInfo, "adapter %s: test passed=%t failures=%d", adapterName, report.Passed, len(report.Failures))
	return report, nil
}

// checkInvocation runs one tool invocation in the scratch directory and
// returns a failure reason, or empty on success.
func (b *Builder) checkInvocation(ctx context.Context, declared model.AdapterTool, args map[string]any, scratchDir string) string {
	spec := &tool.Spec{
		Name:            declared.Name,
		ParameterSchema: declared.ParameterSchema,
	}
	if err := spec.Compile(); err != nil {
		return err.Error()
	}
	if err := spec.ValidateArgs(args); err != nil {
		return fmt.Sprintf("sample arguments rejected by schema: %v", err)
	}

	cmd := fmt.Sprintf("cd %q && %s", scratchDir, renderCommand(declared.Implementation, args))
	if _, err := b.session.RunCommand(ctx, fmt.Sprintf("mkdir -p %q", scratchDir), 0); err != nil {
		return fmt.Sprintf("prepare scratch dir: %v", err)
	}
	result, err := b.session.RunCommand(ctx, cmd, 0)
	if err != nil {
		return fmt.Sprintf("invocation failed: %v", err)
	}
	if result.ExitCode != 0 {
		reason := strings.TrimSpace(result.Stderr)
		if reason == "" {
			reason = strings.TrimSpace(result.Stdout)
		}
		return fmt.Sprintf("exit code %d: %s", result.ExitCode, reason)
	}
	return ""
}

// Deploy registers every tool of a VALIDATED adapter into the live
// registry, making them immediately callable. Anything else is rejected
// with NotValidatedError.
func (b *Builder) Deploy(ctx context.Context, adapterName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	manifest, err := b.loadManifest(ctx, adapterName)
	if err != nil {
		return err
	}
	if manifest.Status != model.AdapterValidated {
		return &model.NotValidatedError{Server: adapterName, Status: manifest.Status}
	}

	for _, declared := range manifest.Tools {
		if err := b.registry.Upsert(b.liveSpec(declared)); err != nil {
			return fmt.Errorf("register tool %s: %w", declared.Name, err)
		}
	}

	if err := model.ValidateAdapterTransition(manifest.Status, model.AdapterDeployed); err != nil {
		return err
	}
	manifest.Status = model.AdapterDeployed
	if err := b.saveManifest(ctx, manifest); err != nil {
		return err
	}

	b.log(model.LogLevelInfo, "adapter %s deployed with %d tools", adapterName, len(manifest.Tools))
	if b.events != nil {
		_ = b.events.Record(events.Entry{
			EventType: string(events.EventAdapterDeployed),
			Details:   map[string]any{"adapter": adapterName, "tools": len(manifest.Tools)},
		})
	}
	if b.bus != nil {
		b.bus.Publish(events.EventAdapterDeployed, map[string]interface{}{"adapter": adapterName})
	}
	return nil
}

// List returns summaries of every adapter server, ordered by name.
func (b *Builder) List(ctx context.Context) ([]model.AdapterSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result, err := b.session.RunCommand(ctx, fmt.Sprintf("ls -1 %q 2>/dev/null || true", b.storageRoot), 0)
	if err != nil {
		return nil, err
	}

	var summaries []model.AdapterSummary
	for _, name := range strings.Fields(result.Stdout) {
		manifest, err := b.loadManifest(ctx, name)
		if err != nil {
			continue
		}
		summaries = append(summaries, model.AdapterSummary{
			Name:        manifest.Name,
			Description: manifest.Description,
			Status:      manifest.Status,
			ToolCount:   len(manifest.Tools),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// liveSpec turns a declared adapter tool into an invocable registry spec.
// The implementation stays data: it is rendered and executed inside the
// sandbox, never as host code.
func (b *Builder) liveSpec(declared model.AdapterTool) *tool.Spec {
	implementation := declared.Implementation
	return &tool.Spec{
		Name:            declared.Name,
		Description:     declared.Description,
		ParameterSchema: declared.ParameterSchema,
		SideEffect:      tool.SideEffectExternal,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			result, err := b.session.RunCommand(ctx, renderCommand(implementation, args), 0)
			if err != nil {
				return "", err
			}
			data, err := json.Marshal(result)
			if err != nil {
				return "", fmt.Errorf("marshal result: %w", err)
			}
			return string(data), nil
		},
	}
}

func (b *Builder) manifestPath(name string) string {
	return path.Join(b.storageRoot, name, manifestFileName)
}

func (b *Builder) loadManifest(ctx context.Context, name string) (*model.AdapterManifest, error) {
	data, err := b.session.ReadFile(ctx, b.manifestPath(name))
	if err != nil {
		return nil, fmt.Errorf("adapter %s not found: %w", name, err)
	}
	var manifest model.AdapterManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("adapter %s manifest corrupt: %w", name, err)
	}
	return &manifest, nil
}

func (b *Builder) saveManifest(ctx context.Context, manifest *model.AdapterManifest) error {
	manifest.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := b.session.WriteFile(ctx, b.manifestPath(manifest.Name), append(data, '\n')); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// checkPlaceholders verifies the implementation references only declared
// parameters.
func checkPlaceholders(toolName string, parameterSchema map[string]any, implementation string) error {
	declared := map[string]bool{}
	if props, ok := parameterSchema["properties"].(map[string]any); ok {
		for name := range props {
			declared[name] = true
		}
	}
	for _, match := range placeholderPattern.FindAllStringSubmatch(implementation, -1) {
		if !declared[match[1]] {
			return &model.SchemaError{
				Tool:   toolName,
				Reason: fmt.Sprintf("implementation references undeclared parameter %q", match[1]),
			}
		}
	}
	return nil
}

// renderCommand substitutes {param} placeholders with shell-quoted
// argument values.
func renderCommand(template string, args map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := args[name]
		if !ok {
			return "''"
		}
		return shellQuote(fmt.Sprintf("%v", value))
	})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// synthesizeArgs builds a minimal sample invocation from a schema when the
// caller supplied none.
func synthesizeArgs(parameterSchema map[string]any) map[string]any {
	args := map[string]any{}
	props, ok := parameterSchema["properties"].(map[string]any)
	if !ok {
		return args
	}
	required := map[string]bool{}
	if reqs, ok := parameterSchema["required"].([]any); ok {
		for _, r := range reqs {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}
	for name, raw := range props {
		if !required[name] {
			continue
		}
		prop, _ := raw.(map[string]any)
		switch prop["type"] {
		case "integer", "number":
			args[name] = 1
		case "boolean":
			args[name] = true
		default:
			args[name] = "sample"
		}
	}
	return args
}

func scaffoldReadme(name, description string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", name, description)
	b.WriteString("Generated adapter server. Tools are declared in manifest.json;\n")
	b.WriteString("each implementation is a command template executed in the sandbox.\n")
	return []byte(b.String())
}

func (b *Builder) log(level model.LogLevel, format string, args ...any) {
	if b.logger == nil || level < b.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	b.logger.Printf("%s %s builder: %s", time.Now().Format(time.RFC3339), level, msg)
}
