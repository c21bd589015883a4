package evaluation

import "time"

// Status of an evaluation record. PENDING is the only non-terminal state and
// an evaluation transitions out of it exactly once.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether the status may no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Submission is one student's source file for one assignment. It exists only
// for the duration of a single evaluation.
type Submission struct {
	StudentID    string `json:"student_id"`
	AssignmentID string `json:"assignment_id"`
	SourcePath   string `json:"source_path"`
}

// Assignment is owned by an external collaborator and read-only to the core.
type Assignment struct {
	ID               string `json:"id" db:"id"`
	Title            string `json:"title" db:"title"`
	TestArtifactPath string `json:"test_artifact_path" db:"test_artifact_path"`
}

// CompilationOutcome describes one compiler invocation. Success implies a
// non-empty ArtifactPath; failure implies at least one diagnostic.
type CompilationOutcome struct {
	Success      bool     `json:"success"`
	Diagnostics  []string `json:"diagnostics"` // in emission order
	ArtifactPath string   `json:"artifact_path,omitempty"`
}

// TestCaseOutcome is the result of a single test inside one suite run.
type TestCaseOutcome struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Message    string `json:"message,omitempty"` // failure message or stack excerpt
	DurationMs int64  `json:"duration_ms"`
}

// TestSuiteOutcome aggregates one suite run. TotalCount is always
// PassedCount+FailedCount and all three are derived from TestResults.
// TimedOut marks a run the watchdog killed; the results then cover only the
// tests that finished before the deadline.
type TestSuiteOutcome struct {
	TotalCount   int               `json:"total_count"`
	PassedCount  int               `json:"passed_count"`
	FailedCount  int               `json:"failed_count"`
	TestResults  []TestCaseOutcome `json:"test_results"`
	ExecutionLog string            `json:"execution_log"`
	DurationMs   int64             `json:"duration_ms"`
	TimedOut     bool              `json:"timed_out,omitempty"`
}

// Record is the authoritative result of one evaluate() call.
type Record struct {
	ID           string    `json:"id" db:"id"`
	StudentID    string    `json:"student_id" db:"student_id"`
	AssignmentID string    `json:"assignment_id" db:"assignment_id"`
	Score        int       `json:"score" db:"score"`
	MaxScore     int       `json:"max_score" db:"max_score"`
	Status       Status    `json:"status" db:"status"`
	EvaluatedAt  time.Time `json:"evaluated_at" db:"evaluated_at"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`

	// Stage outcomes carried for callers; the store persists a summary.
	Compilation *CompilationOutcome `json:"compilation,omitempty" db:"-"`
	Suite       *TestSuiteOutcome   `json:"suite,omitempty" db:"-"`
}

// HasCompilationErrors reports whether the evaluation failed at the compile
// stage with at least one diagnostic.
func (r *Record) HasCompilationErrors() bool {
	return r.Compilation != nil && !r.Compilation.Success && len(r.Compilation.Diagnostics) > 0
}

// HasTestFailures reports whether the suite ran and at least one test failed.
func (r *Record) HasTestFailures() bool {
	return r.Suite != nil && r.Suite.FailedCount > 0
}
