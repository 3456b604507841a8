package logger

// Standard field names for structured logging.
const (
	FieldComponent = "component"
	FieldRunID     = "run_id"
	FieldProject   = "project"
	FieldSequence  = "sequence"
	FieldChannel   = "channel"
	FieldInterval  = "interval"
	FieldStage     = "stage"
	FieldKind      = "kind"
	FieldPath      = "path"
	FieldCount     = "count"
	FieldError     = "error"
	FieldStatus    = "status"
	FieldHost      = "host"
	FieldAddress   = "address"
	FieldMethod    = "method"
	FieldDuration  = "duration_ms"
)
