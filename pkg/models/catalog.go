package models

import "time"

// CatalogEntry is one registered version of a playbook. Versions are
// monotonic per path; registration never removes prior versions.
type CatalogEntry struct {
	Path      string    `db:"path" json:"path"`
	Version   int       `db:"version" json:"version"`
	Content   string    `db:"content" json:"content"`
	Parsed    JSONMap   `db:"parsed" json:"parsed,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CredentialKind classifies credential payload shapes.
type CredentialKind string

const (
	CredentialPostgres       CredentialKind = "postgres"
	CredentialHMAC           CredentialKind = "hmac"
	CredentialOAuth          CredentialKind = "oauth"
	CredentialServiceAccount CredentialKind = "service_account"
	CredentialBearer         CredentialKind = "bearer"
)

// Credential is named, typed secret configuration. The payload is
// never rendered into logs or events; steps reference it by name.
type Credential struct {
	Name      string         `db:"name" json:"name"`
	Kind      CredentialKind `db:"kind" json:"kind"`
	Payload   JSONMap        `db:"payload" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// VariableType classifies entries in the per-execution variable store.
type VariableType string

const (
	VariableUserDefined   VariableType = "user_defined"
	VariableStepResult    VariableType = "step_result"
	VariableComputed      VariableType = "computed"
	VariableIteratorState VariableType = "iterator_state"
)

// Variable is one entry of the per-execution variable store, as
// reconstructed from variables_set events and step completions.
type Variable struct {
	Name        string       `json:"name"`
	Value       any          `json:"value"`
	Type        VariableType `json:"type"`
	SourceNode  string       `json:"source_node,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	AccessedAt  time.Time    `json:"accessed_at"`
	AccessCount int          `json:"access_count"`
}
