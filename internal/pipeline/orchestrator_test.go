package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gradekit/worker/internal/diagnostics"
	"github.com/gradekit/worker/internal/pipeline"
	"github.com/gradekit/worker/internal/storage"
	"github.com/gradekit/worker/pkg/evaluation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes -----------------------------------------------------------------

type fakeAssignmentStore struct {
	assignments map[string]*evaluation.Assignment
	err         error
}

func (s *fakeAssignmentStore) GetAssignmentByID(ctx context.Context, id string) (*evaluation.Assignment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.assignments[id], nil
}

// recordingEvaluationStore snapshots every Save by value, so the PENDING and
// terminal writes of the same record stay observable.
type recordingEvaluationStore struct {
	mu        sync.Mutex
	saves     []evaluation.Record
	history   []evaluation.Record
	saveErr   error
	failAfter int // fail every Save once this many succeeded, 0 = never
}

func (s *recordingEvaluationStore) Save(ctx context.Context, record *evaluation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.failAfter > 0 && len(s.saves) >= s.failAfter {
		return errors.New("connection reset")
	}
	s.saves = append(s.saves, *record)
	return nil
}

func (s *recordingEvaluationStore) FindByID(ctx context.Context, id string) (*evaluation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.saves) - 1; i >= 0; i-- {
		if s.saves[i].ID == id {
			record := s.saves[i]
			return &record, nil
		}
	}
	return nil, nil
}

func (s *recordingEvaluationStore) FindByStudentID(ctx context.Context, studentID string) ([]evaluation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []evaluation.Record
	for _, record := range s.history {
		if record.StudentID == studentID {
			records = append(records, record)
		}
	}
	for i := len(s.saves) - 1; i >= 0; i-- {
		if s.saves[i].StudentID == studentID {
			records = append(records, s.saves[i])
		}
	}
	return records, nil
}

func (s *recordingEvaluationStore) FindByAssignmentID(ctx context.Context, assignmentID string) ([]evaluation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []evaluation.Record
	for _, record := range s.saves {
		if record.AssignmentID == assignmentID {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *recordingEvaluationStore) allSaves() []evaluation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]evaluation.Record(nil), s.saves...)
}

type fakeCompiler struct {
	mu      sync.Mutex
	calls   int
	outcome evaluation.CompilationOutcome
	err     error
	fn      func(ctx context.Context, sourceFile, outputDir string) evaluation.CompilationOutcome
}

func (c *fakeCompiler) Compile(
	ctx context.Context,
	sourceFile, outputDir string,
	timeout time.Duration,
) (evaluation.CompilationOutcome, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return evaluation.CompilationOutcome{}, c.err
	}
	if c.fn != nil {
		return c.fn(ctx, sourceFile, outputDir), nil
	}
	return c.outcome, nil
}

func (c *fakeCompiler) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	outcome evaluation.TestSuiteOutcome
	err     error
	fn      func(artifactPath string) evaluation.TestSuiteOutcome
	panics  bool
}

func (e *fakeExecutor) RunTests(
	ctx context.Context,
	artifactPath, testArtifact string,
	suiteTimeout time.Duration,
) (evaluation.TestSuiteOutcome, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.panics {
		panic("harness runner blew up")
	}
	if e.err != nil {
		return evaluation.TestSuiteOutcome{}, e.err
	}
	if e.fn != nil {
		return e.fn(artifactPath), nil
	}
	return e.outcome, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type recordingDiagnosticStore struct {
	mu      sync.Mutex
	entries []*diagnostics.LogEntry
}

func (s *recordingDiagnosticStore) Save(ctx context.Context, entry *diagnostics.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingDiagnosticStore) byCategory(category string) []*diagnostics.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*diagnostics.LogEntry
	for _, entry := range s.entries {
		if entry.Category == category {
			matched = append(matched, entry)
		}
	}
	return matched
}

// --- harness ---------------------------------------------------------------

type fixture struct {
	assignments *fakeAssignmentStore
	evaluations *recordingEvaluationStore
	compiler    *fakeCompiler
	executor    *fakeExecutor
	diagStore   *recordingDiagnosticStore
	cache       storage.ScoreCache
	pool        *pipeline.Pool
	orch        pipeline.Orchestrator
}

func suiteOf(passed, failed int) evaluation.TestSuiteOutcome {
	results := make([]evaluation.TestCaseOutcome, 0, passed+failed)
	for i := 0; i < passed; i++ {
		results = append(results, evaluation.TestCaseOutcome{Name: "TestPass", Passed: true, DurationMs: 1})
	}
	for i := 0; i < failed; i++ {
		results = append(results, evaluation.TestCaseOutcome{Name: "TestFail", Passed: false, Message: "wrong answer", DurationMs: 1})
	}
	return evaluation.TestSuiteOutcome{
		TotalCount:  passed + failed,
		PassedCount: passed,
		FailedCount: failed,
		TestResults: results,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		assignments: &fakeAssignmentStore{assignments: map[string]*evaluation.Assignment{
			"calc-1": {ID: "calc-1", Title: "Calculator", TestArtifactPath: "/opt/harness/calc-1"},
		}},
		evaluations: &recordingEvaluationStore{},
		compiler: &fakeCompiler{outcome: evaluation.CompilationOutcome{
			Success:      true,
			ArtifactPath: "/tmp/fake/solution",
		}},
		executor:  &fakeExecutor{outcome: suiteOf(4, 0)},
		diagStore: &recordingDiagnosticStore{},
		cache:     storage.NewScoreCache(),
		pool:      pipeline.NewPool(2, 16),
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.pool.Shutdown(shutdownCtx)
	})

	f.orch = pipeline.NewOrchestrator(
		f.assignments,
		f.evaluations,
		f.compiler,
		f.executor,
		f.cache,
		diagnostics.NewRecorder(f.diagStore),
		f.pool,
		pipeline.Options{
			CompileTimeout:  10 * time.Second,
			SuiteTimeout:    10 * time.Second,
			SourceExtension: ".cpp",
		},
	)
	return f
}

func writeSubmission(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("int main() { return 0; }\n"), 0644))
	return path
}

func request(t *testing.T, studentID string) pipeline.Request {
	t.Helper()
	return pipeline.Request{
		StudentID:      studentID,
		AssignmentID:   "calc-1",
		SubmissionPath: writeSubmission(t, "main.cpp"),
		WorkDir:        t.TempDir(),
	}
}

// --- tests -----------------------------------------------------------------

// Correct submission against a 4-test assignment: full score, COMPLETED.
func TestEvaluate_AllTestsPass(t *testing.T) {
	f := newFixture(t)

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	assert.Equal(t, evaluation.StatusCompleted, record.Status)
	assert.Equal(t, 4, record.Score)
	assert.Equal(t, 4, record.MaxScore)
	assert.False(t, record.HasCompilationErrors())
	assert.False(t, record.HasTestFailures())

	saves := f.evaluations.allSaves()
	require.Len(t, saves, 2, "expected exactly a PENDING write and a terminal write")
	assert.Equal(t, evaluation.StatusPending, saves[0].Status)
	assert.Equal(t, evaluation.StatusCompleted, saves[1].Status)
	assert.Equal(t, saves[0].ID, saves[1].ID)

	score, ok := f.cache.RetrieveScore("student-1")
	require.True(t, ok)
	assert.Equal(t, 4, score)
}

// Partial pass: 2 of 5 tests, COMPLETED with test failures reported.
func TestEvaluate_PartialPass(t *testing.T) {
	f := newFixture(t)
	f.executor.outcome = suiteOf(2, 3)

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	assert.Equal(t, evaluation.StatusCompleted, record.Status)
	assert.Equal(t, 2, record.Score)
	assert.Equal(t, 5, record.MaxScore)
	assert.True(t, record.HasTestFailures())
}

// Syntax error: FAILED 0/0 with diagnostics, executor never invoked, cache
// untouched.
func TestEvaluate_CompilationFailure(t *testing.T) {
	f := newFixture(t)
	f.compiler.outcome = evaluation.CompilationOutcome{
		Success:     false,
		Diagnostics: []string{"main.cpp:3:14: error: expected ';'"},
	}

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	assert.Equal(t, evaluation.StatusFailed, record.Status)
	assert.Equal(t, 0, record.Score)
	assert.Equal(t, 0, record.MaxScore)
	assert.True(t, record.HasCompilationErrors())
	assert.Zero(t, f.executor.callCount(), "test executor must not run after a failed compile")

	saves := f.evaluations.allSaves()
	require.Len(t, saves, 2)
	assert.Equal(t, evaluation.StatusFailed, saves[1].Status)

	assert.NotEmpty(t, f.diagStore.byCategory("compilation"))
	assert.False(t, f.cache.ContainsStudent("student-1"), "cache updates only on completed evaluations")
}

// Unknown assignment: FAILED before any store write or stage invocation.
func TestEvaluate_AssignmentNotFound(t *testing.T) {
	f := newFixture(t)

	req := request(t, "student-1")
	req.AssignmentID = "no-such-assignment"
	record := f.orch.Evaluate(context.Background(), req)

	assert.Equal(t, evaluation.StatusFailed, record.Status)
	assert.Contains(t, record.ErrorMessage, "not found")
	assert.Zero(t, f.compiler.callCount())
	assert.Zero(t, f.executor.callCount())
	assert.Empty(t, f.evaluations.allSaves(), "nothing is persisted before the assignment exists")
}

func TestEvaluate_InvalidInput(t *testing.T) {
	f := newFixture(t)

	cases := map[string]pipeline.Request{
		"empty student id": {
			AssignmentID:   "calc-1",
			SubmissionPath: writeSubmission(t, "main.cpp"),
			WorkDir:        t.TempDir(),
		},
		"empty assignment id": {
			StudentID:      "student-1",
			SubmissionPath: writeSubmission(t, "main.cpp"),
			WorkDir:        t.TempDir(),
		},
		"missing submission file": {
			StudentID:      "student-1",
			AssignmentID:   "calc-1",
			SubmissionPath: filepath.Join(t.TempDir(), "absent.cpp"),
			WorkDir:        t.TempDir(),
		},
		"wrong extension": {
			StudentID:      "student-1",
			AssignmentID:   "calc-1",
			SubmissionPath: writeSubmission(t, "main.py"),
			WorkDir:        t.TempDir(),
		},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			record := f.orch.Evaluate(context.Background(), req)

			assert.Equal(t, evaluation.StatusFailed, record.Status)
			assert.Contains(t, record.ErrorMessage, "invalid input")
		})
	}

	assert.Zero(t, f.compiler.callCount())
	assert.Empty(t, f.evaluations.allSaves())
}

// Same submission twice: equal scores, distinct record ids.
func TestEvaluate_DeterministicWithDistinctIDs(t *testing.T) {
	f := newFixture(t)
	f.executor.outcome = suiteOf(3, 1)

	req := request(t, "student-1")
	first := f.orch.Evaluate(context.Background(), req)
	second := f.orch.Evaluate(context.Background(), req)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.MaxScore, second.MaxScore)
	assert.NotEqual(t, first.ID, second.ID)
}

// A panic anywhere in the pipeline becomes a persisted FAILED record plus an
// error diagnostic; nothing escapes to the caller.
func TestEvaluate_PanicBecomesFailedRecord(t *testing.T) {
	f := newFixture(t)
	f.executor.panics = true

	var record *evaluation.Record
	require.NotPanics(t, func() {
		record = f.orch.Evaluate(context.Background(), request(t, "student-1"))
	})

	assert.Equal(t, evaluation.StatusFailed, record.Status)
	assert.NotEmpty(t, record.ErrorMessage)

	saves := f.evaluations.allSaves()
	require.NotEmpty(t, saves)
	assert.Equal(t, evaluation.StatusFailed, saves[len(saves)-1].Status)
	assert.NotEmpty(t, f.diagStore.byCategory("evaluation"))
}

// Executor infrastructure fault (not a graded outcome): FAILED terminal
// record, never stuck PENDING.
func TestEvaluate_ExecutorFaultIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.executor.err = errors.New("sandbox daemon unreachable")

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	assert.Equal(t, evaluation.StatusFailed, record.Status)

	saves := f.evaluations.allSaves()
	require.Len(t, saves, 2)
	assert.Equal(t, evaluation.StatusPending, saves[0].Status)
	assert.Equal(t, evaluation.StatusFailed, saves[1].Status)
}

// Store down at the terminal write: the caller must never see a COMPLETED
// record the store does not hold. The record demotes to FAILED with the
// generic message and the failed persist is recorded as a diagnostic.
func TestEvaluate_TerminalPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.evaluations.failAfter = 1

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	assert.Equal(t, evaluation.StatusFailed, record.Status)
	assert.Equal(t, 0, record.Score)
	assert.Equal(t, 0, record.MaxScore)
	assert.Contains(t, record.ErrorMessage, "internal error")

	saves := f.evaluations.allSaves()
	require.Len(t, saves, 1)
	assert.Equal(t, evaluation.StatusPending, saves[0].Status)

	assert.NotEmpty(t, f.diagStore.byCategory("evaluation"))
	assert.NotEmpty(t, f.diagStore.byCategory("persistence"))
	assert.False(t, f.cache.ContainsStudent("student-1"), "cache must not hold a score the store rejected")
}

// Suite killed by the watchdog: FAILED with a timeout reason, the partial
// suite outcome kept attached, cache untouched.
func TestEvaluate_SuiteTimeoutIsFailed(t *testing.T) {
	f := newFixture(t)
	outcome := suiteOf(2, 3)
	outcome.TimedOut = true
	f.executor.outcome = outcome

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	assert.Equal(t, evaluation.StatusFailed, record.Status)
	assert.Equal(t, 0, record.Score)
	assert.Equal(t, 0, record.MaxScore)
	assert.Contains(t, record.ErrorMessage, "timed out")

	require.NotNil(t, record.Suite)
	assert.True(t, record.Suite.TimedOut)
	assert.Equal(t, 2, record.Suite.PassedCount)

	saves := f.evaluations.allSaves()
	require.Len(t, saves, 2)
	assert.Equal(t, evaluation.StatusFailed, saves[1].Status)
	assert.False(t, f.cache.ContainsStudent("student-1"))
}

// Store down at the PENDING write: caller still gets a terminal FAILED
// record and the compiler never runs.
func TestEvaluate_PersistenceDown(t *testing.T) {
	f := newFixture(t)
	f.evaluations.saveErr = errors.New("connection refused")

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	assert.Equal(t, evaluation.StatusFailed, record.Status)
	assert.Zero(t, f.compiler.callCount())
	assert.NotEmpty(t, f.diagStore.byCategory("evaluation"))
}

// Diagnostic store failures never alter the outcome.
func TestEvaluate_DiagnosticFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t)
	f.compiler.outcome = evaluation.CompilationOutcome{
		Success:     false,
		Diagnostics: []string{"error: something"},
	}

	failing := &failingDiagnosticStore{}
	orch := pipeline.NewOrchestrator(
		f.assignments, f.evaluations, f.compiler, f.executor, f.cache,
		diagnostics.NewRecorder(failing), f.pool,
		pipeline.Options{SourceExtension: ".cpp"},
	)

	record := orch.Evaluate(context.Background(), request(t, "student-1"))
	assert.Equal(t, evaluation.StatusFailed, record.Status)
	assert.True(t, record.HasCompilationErrors())
}

type failingDiagnosticStore struct{}

func (s *failingDiagnosticStore) Save(ctx context.Context, entry *diagnostics.LogEntry) error {
	return errors.New("log store unavailable")
}

func TestCurrentScore_CacheFirstStoreSecond(t *testing.T) {
	f := newFixture(t)

	// Cache hit wins.
	f.cache.StoreScore("student-1", 9)
	score, ok, err := f.orch.CurrentScore(context.Background(), "student-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, score)

	// Miss falls back to the newest COMPLETED record and repopulates.
	f.evaluations.history = []evaluation.Record{
		{ID: "e-2", StudentID: "student-2", Status: evaluation.StatusCompleted, Score: 6, MaxScore: 10},
		{ID: "e-1", StudentID: "student-2", Status: evaluation.StatusFailed},
	}
	score, ok, err = f.orch.CurrentScore(context.Background(), "student-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6, score)
	assert.True(t, f.cache.ContainsStudent("student-2"))

	// Unknown student: no score, no error.
	_, ok, err = f.orch.CurrentScore(context.Background(), "student-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetEvaluationResult(t *testing.T) {
	f := newFixture(t)

	record := f.orch.Evaluate(context.Background(), request(t, "student-1"))

	found, err := f.orch.GetEvaluationResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, record.ID, found.ID)
	assert.Equal(t, evaluation.StatusCompleted, found.Status)

	missing, err := f.orch.GetEvaluationResult(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
