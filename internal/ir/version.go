package ir

// Version constants stamped on runs and compiled definitions.
const (
	// SchemaVersion is the definitions format version.
	SchemaVersion = "1"

	// EngineVersion is the recsync engine version.
	EngineVersion = "0.1.0"
)
