package models

// Task names dispatched by the orchestrator. Workers register handlers
// by these names; rate hints are attached per name in configuration.
const (
	TaskDownload       = "download"
	TaskValidateFast   = "validate_fast"
	TaskValidateMedium = "validate_medium"
	TaskValidateSlow   = "validate_slow"
)

// TaskResult is the primitive-only completion callback payload a worker
// reports for a job chunk. It crosses the process boundary as JSON and
// must never carry handles or in-process references.
type TaskResult struct {
	Success    bool          `json:"success"`
	Failed     bool          `json:"failed"`
	Downloaded int           `json:"downloaded"`
	Images     []ImageRecord `json:"images,omitempty"`
	Error      string        `json:"error,omitempty"`
	// ErrorKind is the taxonomy kind the worker classified its failure
	// into, carried as a string because the callback is primitive-only.
	ErrorKind string `json:"error_kind,omitempty"`
}
