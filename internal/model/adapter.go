package model

import "fmt"

type AdapterStatus string

const (
	AdapterDraft     AdapterStatus = "draft"
	AdapterValidated AdapterStatus = "validated"
	AdapterDeployed  AdapterStatus = "deployed"
)

// Adapter lifecycle: draft --test--> validated --deploy--> deployed.
// Any mutation (add_tool) sends the server back to draft, so both
// validated and deployed may regress.
var validAdapterTransitions = map[AdapterStatus]map[AdapterStatus]bool{
	AdapterDraft: {
		AdapterValidated: true,
	},
	AdapterValidated: {
		AdapterDeployed: true,
		AdapterDraft:    true,
	},
	AdapterDeployed: {
		AdapterDraft: true,
	},
}

func ValidateAdapterTransition(from, to AdapterStatus) error {
	allowed, ok := validAdapterTransitions[from]
	if !ok {
		return fmt.Errorf("unknown adapter status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid adapter transition: %q → %q", from, to)
	}
	return nil
}

// AdapterTool is one declared tool of an adapter server as persisted in the
// manifest. Implementation is a command template interpreted by the sandbox,
// never host code.
type AdapterTool struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema"`
	Implementation  string         `json:"implementation"`
}

// AdapterManifest is the on-disk representation of an AdapterServer, stored
// at <storage_path>/manifest.json inside the sandbox.
type AdapterManifest struct {
	SchemaVersion int           `json:"schema_version"`
	FileType      string        `json:"file_type"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	BaseURL       string        `json:"base_url,omitempty"`
	Status        AdapterStatus `json:"status"`
	StoragePath   string        `json:"storage_path"`
	Tools         []AdapterTool `json:"tools"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
}

// AdapterSummary is the listing view returned by the builder's list operation.
type AdapterSummary struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      AdapterStatus `json:"status"`
	ToolCount   int           `json:"tool_count"`
}
