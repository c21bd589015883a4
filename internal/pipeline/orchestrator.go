package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gradekit/worker/internal/diagnostics"
	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/internal/repositories"
	"github.com/gradekit/worker/internal/stages/compiler"
	"github.com/gradekit/worker/internal/stages/executor"
	"github.com/gradekit/worker/internal/storage"
	"github.com/gradekit/worker/pkg/constants"
	customErr "github.com/gradekit/worker/pkg/errors"
	"github.com/gradekit/worker/pkg/evaluation"
	"github.com/gradekit/worker/utils"
	"go.uber.org/zap"
)

// Request carries everything needed to evaluate one submission. WorkDir must
// be exclusive to this evaluation; the orchestrator writes nowhere else and
// never mutates the submission file or the assignment's test artifact.
type Request struct {
	StudentID      string
	AssignmentID   string
	SubmissionPath string
	WorkDir        string
}

// Orchestrator sequences validation, compilation, test execution, scoring,
// persistence, cache update and diagnostics into one pipeline with the state
// machine PENDING -> {COMPLETED | FAILED}. Every call resolves to a terminal
// record; no error and no panic escapes to the caller.
//
// Concurrent evaluations for the same (student, assignment) pair are not
// serialized: the last terminal write wins in both the store and the cache.
// That is intentional, re-running is always an explicit new call.
type Orchestrator interface {
	Evaluate(ctx context.Context, req Request) *evaluation.Record
	EvaluateAsync(ctx context.Context, req Request) (*Handle, error)
	CancelEvaluation(evaluationID string) bool
	GetEvaluationResult(ctx context.Context, evaluationID string) (*evaluation.Record, error)
	GetStudentEvaluationHistory(ctx context.Context, studentID string) ([]evaluation.Record, error)
	CurrentScore(ctx context.Context, studentID string) (int, bool, error)
}

type Options struct {
	CompileTimeout  time.Duration
	SuiteTimeout    time.Duration
	SourceExtension string
}

type orchestrator struct {
	assignments repositories.AssignmentStore
	evaluations repositories.EvaluationStore
	compiler    compiler.Compiler
	executor    executor.Executor
	cache       storage.ScoreCache
	recorder    diagnostics.Recorder
	pool        *Pool
	opts        Options
	logger      *zap.SugaredLogger

	inFlight sync.Map // evaluation id -> *Handle
}

// NewOrchestrator wires the pipeline. The pool is injected, never an ambient
// singleton, so callers control the concurrency bound.
func NewOrchestrator(
	assignments repositories.AssignmentStore,
	evaluations repositories.EvaluationStore,
	comp compiler.Compiler,
	exec executor.Executor,
	cache storage.ScoreCache,
	recorder diagnostics.Recorder,
	pool *Pool,
	opts Options,
) Orchestrator {
	if opts.SourceExtension == "" {
		opts.SourceExtension = constants.DefaultSourceExtension
	}

	return &orchestrator{
		assignments: assignments,
		evaluations: evaluations,
		compiler:    comp,
		executor:    exec,
		cache:       cache,
		recorder:    recorder,
		pool:        pool,
		opts:        opts,
		logger:      logger.NewNamedLogger("orchestrator"),
	}
}

func (o *orchestrator) Evaluate(ctx context.Context, req Request) *evaluation.Record {
	return o.run(ctx, uuid.NewString(), req)
}

// EvaluateAsync submits the same pipeline to the worker pool and returns
// immediately. The only error is a shut-down pool.
func (o *orchestrator) EvaluateAsync(ctx context.Context, req Request) (*Handle, error) {
	id := uuid.NewString()

	// Detached from the submission context: the evaluation may start after
	// the submitting call has long returned. Cancellation goes through the
	// handle instead.
	evalCtx, cancel := context.WithCancel(context.Background())
	handle := newHandle(id, cancel)
	o.inFlight.Store(id, handle)

	err := o.pool.Submit(id, func() {
		defer o.inFlight.Delete(id)
		defer cancel()
		handle.resolve(o.run(evalCtx, id, req))
	})
	if err != nil {
		o.inFlight.Delete(id)
		cancel()
		return nil, err
	}

	return handle, nil
}

// CancelEvaluation requests best-effort cancellation of an in-flight async
// evaluation. It reports whether the id was still in flight.
func (o *orchestrator) CancelEvaluation(evaluationID string) bool {
	value, ok := o.inFlight.Load(evaluationID)
	if !ok {
		return false
	}
	value.(*Handle).Cancel()
	return true
}

// run executes the full pipeline for one preassigned record id. It always
// returns a terminal record.
func (o *orchestrator) run(ctx context.Context, id string, req Request) (record *evaluation.Record) {
	record = &evaluation.Record{
		ID:           id,
		StudentID:    req.StudentID,
		AssignmentID: req.AssignmentID,
		Status:       evaluation.StatusPending,
		EvaluatedAt:  time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("Evaluation %s panicked: %v", id, r)
			o.failRecord(record, constants.EvalMessageInternalError)
			o.persistTerminal(ctx, record)
			o.recorder.LogError(ctx, constants.DiagnosticCategoryEvaluation,
				fmt.Sprintf("evaluation %s panicked", id),
				o.details(record), fmt.Errorf("panic: %v", r))
		}
	}()

	o.logger.Infof("Evaluating submission for student %s, assignment %s [EvalID: %s]",
		req.StudentID, req.AssignmentID, id)

	// Stage 1: input validation. Failures return a FAILED record without
	// touching the store.
	if err := o.validate(req); err != nil {
		o.logger.Infof("Rejected submission: %s [EvalID: %s]", err, id)
		o.failRecord(record, fmt.Sprintf(constants.EvalMessageInvalidInput, err))
		return record
	}

	// Stage 2: assignment lookup, before any PENDING write.
	assignment, err := o.assignments.GetAssignmentByID(ctx, req.AssignmentID)
	if err != nil {
		return o.failInfrastructure(ctx, record, "assignment lookup failed", err)
	}
	if assignment == nil {
		o.logger.Infof("Assignment %s not found [EvalID: %s]", req.AssignmentID, id)
		o.failRecord(record, fmt.Sprintf(constants.EvalMessageAssignmentNotFound, req.AssignmentID))
		return record
	}

	// Stage 3: persist PENDING. From here on every exit persists a terminal
	// state so no record is left hanging.
	if err := o.evaluations.Save(ctx, record); err != nil {
		return o.failInfrastructure(ctx, record, "failed to persist pending record", err)
	}

	// Stage 4: compile from a copy staged inside the evaluation's private
	// work dir; the submitted file itself is never touched again.
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return o.failInfrastructure(ctx, record, "failed to prepare work dir", err)
	}
	stagedSource := filepath.Join(req.WorkDir, "submission"+o.opts.SourceExtension)
	if err := utils.CopyFile(req.SubmissionPath, stagedSource); err != nil {
		return o.failInfrastructure(ctx, record, "failed to stage submission", err)
	}

	outputDir := filepath.Join(req.WorkDir, "artifact")
	compilation, err := o.compiler.Compile(ctx, stagedSource, outputDir, o.opts.CompileTimeout)
	if err != nil {
		return o.failInfrastructure(ctx, record, "compiler invocation failed", err)
	}
	record.Compilation = &compilation

	if cancelled := o.checkCancelled(ctx, record); cancelled {
		return record
	}

	if !compilation.Success {
		o.logger.Infof("Compilation failed with %d diagnostics [EvalID: %s]", len(compilation.Diagnostics), id)
		o.failRecord(record, constants.EvalMessageCompilationFailed)
		o.persistTerminal(ctx, record)
		o.recorder.LogWarning(ctx, constants.DiagnosticCategoryCompilation,
			fmt.Sprintf("compilation failed for student %s", req.StudentID),
			o.compilationDetails(record, compilation))
		return record
	}

	// Stage 5: run the suite against the assignment's trusted harness.
	suite, err := o.executor.RunTests(ctx, compilation.ArtifactPath, assignment.TestArtifactPath, o.opts.SuiteTimeout)
	if err != nil {
		return o.failInfrastructure(ctx, record, "test execution failed", err)
	}
	record.Suite = &suite

	if cancelled := o.checkCancelled(ctx, record); cancelled {
		return record
	}

	// A watchdog kill is not a graded run: the record fails with a timeout
	// reason and the partial suite outcome stays attached for callers.
	if suite.TimedOut {
		o.logger.Infof("Suite timed out with %d/%d tests finished [EvalID: %s]", suite.PassedCount, suite.TotalCount, id)
		o.failRecord(record, fmt.Sprintf(constants.EvalMessageSuiteTimeout, o.opts.SuiteTimeout.Milliseconds()))
		o.persistTerminal(ctx, record)
		o.recorder.LogWarning(ctx, constants.DiagnosticCategoryTestExecution,
			fmt.Sprintf("test suite timed out for student %s", req.StudentID), o.details(record))
		return record
	}

	// Stages 6-7: uniform one-point-per-test scoring, terminal persist,
	// cache update. Invalidate before the authoritative write so no reader
	// sees a stale value during the window.
	record.Score = suite.PassedCount
	record.MaxScore = suite.TotalCount
	record.Status = evaluation.StatusCompleted
	record.EvaluatedAt = time.Now()

	o.cache.InvalidateScore(req.StudentID)
	if err := o.evaluations.Save(ctx, record); err != nil {
		// The store never saw the completed state, so the record may still
		// transition to FAILED.
		record.Status = evaluation.StatusPending
		return o.failInfrastructure(ctx, record, "failed to persist completed record", err)
	}
	o.cache.StoreScore(req.StudentID, record.Score)

	o.recorder.LogInfo(ctx, constants.DiagnosticCategoryTestExecution,
		fmt.Sprintf("suite finished %d/%d for student %s", suite.PassedCount, suite.TotalCount, req.StudentID),
		o.details(record))

	o.logger.Infof("Evaluation completed: score %d/%d [EvalID: %s]", record.Score, record.MaxScore, id)
	return record
}

func (o *orchestrator) validate(req Request) error {
	if strings.TrimSpace(req.StudentID) == "" {
		return customErr.ErrInvalidStudentID
	}
	if strings.TrimSpace(req.AssignmentID) == "" {
		return customErr.ErrInvalidAssignmentID
	}
	if !utils.IsReadableFile(req.SubmissionPath) {
		return customErr.ErrSubmissionFileMissing
	}
	if !utils.HasExtension(req.SubmissionPath, o.opts.SourceExtension) {
		return customErr.ErrWrongSourceExtension
	}
	return nil
}

// checkCancelled converts a cancelled context into a terminal FAILED record.
// Returns true when the evaluation is over.
func (o *orchestrator) checkCancelled(ctx context.Context, record *evaluation.Record) bool {
	if ctx.Err() == nil {
		return false
	}

	o.logger.Infof("Evaluation cancelled [EvalID: %s]", record.ID)
	o.failRecord(record, constants.EvalMessageCancelled)
	o.persistTerminal(ctx, record)
	o.recorder.LogWarning(ctx, constants.DiagnosticCategoryEvaluation,
		fmt.Sprintf("evaluation %s cancelled", record.ID), o.details(record))
	return true
}

// failInfrastructure handles genuine faults (store down, compiler crash,
// harness runner fault): terminal FAILED record with a generic message plus
// a detailed diagnostic entry.
func (o *orchestrator) failInfrastructure(
	ctx context.Context,
	record *evaluation.Record,
	message string,
	cause error,
) *evaluation.Record {
	o.logger.Errorf("%s: %s [EvalID: %s]", message, cause, record.ID)
	o.failRecord(record, constants.EvalMessageInternalError)
	o.persistTerminal(ctx, record)
	o.recorder.LogError(ctx, constants.DiagnosticCategoryEvaluation, message, o.details(record), cause)
	return record
}

func (o *orchestrator) failRecord(record *evaluation.Record, message string) {
	// Terminal states are never overwritten, a failure path reached after
	// completion must not regress the record.
	if record.Status.IsTerminal() {
		return
	}
	record.Status = evaluation.StatusFailed
	record.Score = 0
	record.MaxScore = 0
	record.ErrorMessage = message
	record.EvaluatedAt = time.Now()
}

// persistTerminal is best-effort: when the store itself is down the caller
// still gets the terminal record, plus a persistence diagnostic.
func (o *orchestrator) persistTerminal(ctx context.Context, record *evaluation.Record) {
	if err := o.evaluations.Save(ctx, record); err != nil {
		o.logger.Errorf("Failed to persist terminal record: %s [EvalID: %s]", err, record.ID)
		o.recorder.LogError(ctx, constants.DiagnosticCategoryPersistence,
			fmt.Sprintf("failed to persist terminal record %s", record.ID),
			o.details(record), err)
	}
}

func (o *orchestrator) details(record *evaluation.Record) map[string]string {
	return map[string]string{
		"evaluation_id": record.ID,
		"student_id":    record.StudentID,
		"assignment_id": record.AssignmentID,
		"status":        string(record.Status),
	}
}

func (o *orchestrator) compilationDetails(
	record *evaluation.Record,
	outcome evaluation.CompilationOutcome,
) map[string]string {
	details := o.details(record)
	details["diagnostics"] = utils.TruncateString(strings.Join(outcome.Diagnostics, "\n"), 4096)
	return details
}

func (o *orchestrator) GetEvaluationResult(ctx context.Context, evaluationID string) (*evaluation.Record, error) {
	return o.evaluations.FindByID(ctx, evaluationID)
}

func (o *orchestrator) GetStudentEvaluationHistory(ctx context.Context, studentID string) ([]evaluation.Record, error) {
	return o.evaluations.FindByStudentID(ctx, studentID)
}

// CurrentScore is cache-first, store-second. A cache miss falls back to the
// newest COMPLETED record and repopulates the cache.
func (o *orchestrator) CurrentScore(ctx context.Context, studentID string) (int, bool, error) {
	if score, ok := o.cache.RetrieveScore(studentID); ok {
		return score, true, nil
	}

	records, err := o.evaluations.FindByStudentID(ctx, studentID)
	if err != nil {
		return 0, false, err
	}

	for _, record := range records {
		if record.Status == evaluation.StatusCompleted {
			o.cache.StoreScore(studentID, record.Score)
			return record.Score, true, nil
		}
	}

	return 0, false, nil
}
