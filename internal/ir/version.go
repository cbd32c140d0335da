package ir

// Version constants for the payload format and engine.
const (
	// PayloadVersion is the persisted payload format version.
	PayloadVersion = "1"

	// EngineVersion is the chronicle engine version.
	EngineVersion = "0.1.0"
)
