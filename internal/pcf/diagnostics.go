package pcf

// DiagnosticKind classifies a non-fatal event recorded while processing
type DiagnosticKind string

const (
	// DiagnosticRowRejection: an element, field or row was dropped
	DiagnosticRowRejection DiagnosticKind = "row_rejection"
	// DiagnosticFieldDegradation: a field was repaired by the OCR corrector and kept
	DiagnosticFieldDegradation DiagnosticKind = "field_degradation"
	DiagnosticSuspiciousLowercase DiagnosticKind = "suspicious_lowercase"
	DiagnosticNeighborMismatch    DiagnosticKind = "neighbor_mismatch"
)

// Pipeline stages that emit diagnostics
const (
	StageCollector = "collector"
	StageAssembler = "assembler"
	StageValidator = "validator"
	StageMetadata  = "metadata"
)

// What a row_rejection dropped
const (
	ScopeRow     = "row"
	ScopeField   = "field"
	ScopeElement = "element"
)

// Diagnostic is one structured processing event
type Diagnostic struct {
	Kind   DiagnosticKind `json:"kind"`
	Stage  string         `json:"stage"`
	Scope  string         `json:"scope,omitempty"`
	Text   string         `json:"text"`
	Reason string         `json:"reason"`
	Y      float64        `json:"y"`
}

type diagnostics []Diagnostic

func (d *diagnostics) add(kind DiagnosticKind, stage, text, reason string, y float64) {
	*d = append(*d, Diagnostic{Kind: kind, Stage: stage, Text: text, Reason: reason, Y: y})
}

func (d *diagnostics) reject(stage, scope, text, reason string, y float64) {
	*d = append(*d, Diagnostic{Kind: DiagnosticRowRejection, Stage: stage, Scope: scope, Text: text, Reason: reason, Y: y})
}
