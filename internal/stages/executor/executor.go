package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/pkg/constants"
	"github.com/gradekit/worker/pkg/evaluation"
	"github.com/gradekit/worker/utils"
	"go.uber.org/zap"
)

// Executor runs the trusted test artifact against a compiled submission
// inside a throwaway per-evaluation execution context. The submission
// artifact is only data handed to the harness, never inspected for tests.
//
// Harness discovery failure is a legitimate outcome (TotalCount 0 with an
// explanatory execution log), not an error; the error return is reserved for
// infrastructure faults such as an unusable scratch directory.
type Executor interface {
	RunTests(ctx context.Context, artifactPath, testArtifact string, suiteTimeout time.Duration) (evaluation.TestSuiteOutcome, error)
}

const discoveryTimeout = 10 * time.Second

type processExecutor struct {
	logger *zap.SugaredLogger
}

// NewProcessExecutor returns an Executor running the harness as a local
// subprocess in its own process group, SIGKILLed as a group when the suite
// deadline expires.
func NewProcessExecutor() Executor {
	return &processExecutor{logger: logger.NewNamedLogger("process-executor")}
}

func (e *processExecutor) RunTests(
	ctx context.Context,
	artifactPath, testArtifact string,
	suiteTimeout time.Duration,
) (evaluation.TestSuiteOutcome, error) {
	e.logger.Infof("Running suite %s against %s", testArtifact, artifactPath)

	discovered, err := discoverTests(ctx, testArtifact)
	if err != nil {
		e.logger.Warnf("Test discovery failed for %s: %s", testArtifact, err)
		return discoveryFailureOutcome(testArtifact, err), nil
	}

	scratchDir, err := os.MkdirTemp(filepath.Dir(artifactPath), "suite-")
	if err != nil {
		return evaluation.TestSuiteOutcome{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := utils.RemoveIO(scratchDir, true, false); err != nil {
			e.logger.Warnf("Failed to remove scratch dir %s: %s", scratchDir, err)
		}
	}()

	reportPath := filepath.Join(scratchDir, constants.ReportFileName)

	runCtx, cancel := context.WithTimeout(ctx, suiteTimeout)
	defer cancel()

	cmd := exec.Command(testArtifact,
		constants.HarnessArtifactFlag, artifactPath,
		constants.HarnessReportFlag, reportPath,
	)
	cmd.Dir = scratchDir
	// Own process group so a timeout kill reaches anything the harness or
	// the student binary spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Warnf("Failed to start harness %s: %s", testArtifact, err)
		return discoveryFailureOutcome(testArtifact, err), nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case <-runCtx.Done():
		timedOut = true
		e.logger.Warnf("Suite timed out after %s, killing process group %d", suiteTimeout, cmd.Process.Pid)
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	case waitErr := <-done:
		if waitErr != nil {
			// A harness crash is handled through the report: finished tests
			// are kept, the rest are marked failed below.
			e.logger.Warnf("Harness exited abnormally: %s", waitErr)
		}
	}
	totalDuration := time.Since(start)

	results := parseReport(reportPath)
	outcome := assembleOutcome(discovered, results, timedOut, suiteTimeout.Milliseconds(), totalDuration.Milliseconds())

	e.logger.Infof("Suite finished: %d/%d passed in %d ms", outcome.PassedCount, outcome.TotalCount, outcome.DurationMs)
	return outcome, nil
}

// discoverTests asks the trusted harness for its test names, one per line.
// The harness runs without the submission artifact here, nothing untrusted
// executes during discovery.
func discoverTests(ctx context.Context, testArtifact string) ([]string, error) {
	listCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	cmd := exec.CommandContext(listCtx, testArtifact, constants.HarnessListFlag)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("harness %s reported no tests", testArtifact)
	}
	return names, nil
}

func discoveryFailureOutcome(testArtifact string, cause error) evaluation.TestSuiteOutcome {
	return evaluation.TestSuiteOutcome{
		ExecutionLog: fmt.Sprintf("could not load tests from harness %s: %s", testArtifact, cause),
	}
}
