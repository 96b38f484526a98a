// Package api defines the stable wire contracts between the embedding RPC
// layer and the semantic indexing/query engine. These shapes cross the
// process boundary (or at least the package boundary to internal/rpcserver)
// and must not change meaning across releases without a version bump.
package api

// AnalysisMode selects whether dependency decompilation runs during Init.
type AnalysisMode string

const (
	SourceOnly AnalysisMode = "source-only"
	Full       AnalysisMode = "full"
)

// ProviderConfig carries the subprocess tool paths and optional overrides.
type ProviderConfig struct {
	// IlspyCmd is the path to the decompiler executable.
	IlspyCmd string `json:"ilspy_cmd"`
	// PaketCmd is the path to the package resolver executable.
	PaketCmd string `json:"paket_cmd"`
	// DBPath is the persistence file path. Defaults to /tmp/c_sharp_provider.db.
	DBPath string `json:"db_path,omitempty"`
}

// Config is the Init RPC's input (spec §6).
type Config struct {
	AnalysisMode           AnalysisMode   `json:"analysisMode"`
	Location               string         `json:"location"` // absolute project root
	ProviderSpecificConfig ProviderConfig `json:"providerSpecificConfig"`
}

// InitResponse is the Init RPC's output.
type InitResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Location constrains which syntax_type of node a query may match.
type Location string

const (
	LocationAll       Location = "all"
	LocationClass     Location = "class"
	LocationMethod    Location = "method"
	LocationField     Location = "field"
	LocationNamespace Location = "namespace"
)

// SourceFilter constrains candidates by provenance.
type SourceFilter string

const (
	SourceOfSource     SourceFilter = "source"
	SourceOfDependency SourceFilter = "dependency"
)

// ReferencedCondition is the body of an Evaluate request's conditionInfo for
// cap "referenced" (spec §6).
type ReferencedCondition struct {
	Pattern   string       `json:"pattern"`
	Location  Location     `json:"location,omitempty"`
	FilePaths []string     `json:"file_paths,omitempty"`
	Source    SourceFilter `json:"source,omitempty"`
}

// ConditionInfo is the JSON envelope carried by an Evaluate request: exactly
// one capability key is populated, per spec §6.
type ConditionInfo struct {
	Referenced *ReferencedCondition `json:"referenced,omitempty"`
}

// EvaluateRequest is the Evaluate RPC's input.
type EvaluateRequest struct {
	Cap           string        `json:"cap"`
	ConditionInfo ConditionInfo `json:"conditionInfo"`
}

// Incident is a single query hit.
type Incident struct {
	FileURI      string            `json:"file_uri"`
	LineNumber   int               `json:"line_number"`
	ColumnNumber int               `json:"column_number"`
	ColumnEnd    int               `json:"column_end"`
	Variables    map[string]string `json:"variables"`
}

// EvaluateResponse is the Evaluate RPC's output.
type EvaluateResponse struct {
	Incidents []Incident `json:"incidents"`
}

// Capability names a single supported query capability.
type Capability struct {
	Name string `json:"name"`
}

// CapabilitiesResponse is the Capabilities RPC's output.
type CapabilitiesResponse struct {
	Capabilities []Capability `json:"capabilities"`
}
