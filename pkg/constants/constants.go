package constants

// Queue message types.
const (
	QueueMessageTypeEvaluation = "evaluation"
	QueueMessageTypeStatus     = "status"
)

// Evaluation failure messages.
const (
	EvalMessageInvalidInput       = "invalid input: %s"
	EvalMessageAssignmentNotFound = "assignment %q not found"
	EvalMessageCompilationFailed  = "compilation failed"
	EvalMessageSuiteTimeout       = "test suite timed out after %d ms"
	EvalMessageInternalError      = "internal error occurred during evaluation"
	EvalMessageCancelled          = "evaluation was cancelled before it completed"
)

// Test case messages.
const (
	TestCaseMessageSuiteTimeout = "test suite timed out after %d ms before this test finished"
)

// Diagnostic categories.
const (
	DiagnosticCategoryCompilation   = "compilation"
	DiagnosticCategoryTestExecution = "test-execution"
	DiagnosticCategoryEvaluation    = "evaluation"
	DiagnosticCategoryPersistence   = "persistence"
)

// Worker specific constants.
type WorkerStatus string

const (
	WorkerStatusIdle WorkerStatus = "idle"
	WorkerStatusBusy WorkerStatus = "busy"
)

// Configuration constants.
const (
	DefaultRabbitmqHost      = "localhost"
	DefaultRabbitmqUser      = "guest"
	DefaultRabbitmqPassword  = "guest"
	DefaultRabbitmqPort      = "5672"
	DefaultWorkerQueueName   = "evaluation_queue"
	DefaultResponseQueueName = "evaluation_results"
	DefaultMaxWorkers        = 10
	DefaultQueueDepth        = 100
	DefaultCompileTimeoutSec = 30
	DefaultSuiteTimeoutSec   = 60
	DefaultCompilerBinary    = "g++"
	DefaultCompilerStd       = "c++17"
	DefaultSourceExtension   = ".cpp"
	DefaultWorkRoot          = "/tmp/gradekit"
	DefaultPostgresHost      = "localhost"
	DefaultPostgresPort      = "5432"
	DefaultPostgresUser      = "gradekit"
	DefaultPostgresDB        = "gradekit"
	DefaultSandboxImage      = "ghcr.io/gradekit/runtime:cpp"
)

// Harness protocol constants.
const (
	HarnessListFlag     = "-list"
	HarnessArtifactFlag = "-artifact"
	HarnessReportFlag   = "-report"
	ReportFileName      = "report.tsv"
	ReportStatusPass    = "pass"
	ReportStatusFail    = "fail"
	ArtifactFileName    = "solution"
)

// Diagnostic detail limits.
const (
	MaxStackFrames     = 16
	MaxCauseChainDepth = 8
)

// Container execution constants.
const (
	ContainerWorkDir        = "/work"
	ContainerMemoryBytes    = 256 * 1024 * 1024
	ContainerPidsLimit      = 16
	ContainerStopTimeoutSec = 2
	ContainerRunnerUser     = "runner"
)
