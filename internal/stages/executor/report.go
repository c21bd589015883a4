package executor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gradekit/worker/pkg/constants"
	"github.com/gradekit/worker/pkg/evaluation"
)

// reportedResult is one finished test as written by the harness: one line
// per test, `name<TAB>status<TAB>durationMs<TAB>message`.
type reportedResult struct {
	name       string
	passed     bool
	durationMs int64
	message    string
}

const reportFieldCount = 4

// parseReport reads the (possibly partial) report file. Malformed lines are
// skipped, they can occur when the harness is killed mid-write.
func parseReport(reportPath string) map[string]reportedResult {
	results := make(map[string]reportedResult)

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return results
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", reportFieldCount)
		if len(fields) < reportFieldCount-1 {
			continue
		}
		status := fields[1]
		if status != constants.ReportStatusPass && status != constants.ReportStatusFail {
			continue
		}
		durationMs, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		message := ""
		if len(fields) == reportFieldCount {
			message = fields[3]
		}
		results[fields[0]] = reportedResult{
			name:       fields[0],
			passed:     status == constants.ReportStatusPass,
			durationMs: durationMs,
			message:    message,
		}
	}

	return results
}

// assembleOutcome builds the suite outcome from the discovered test list and
// whatever results the harness managed to report. Discovered tests without a
// result are marked failed, with a timeout reason when the suite deadline
// expired and a harness-exit reason otherwise.
func assembleOutcome(
	discovered []string,
	results map[string]reportedResult,
	timedOut bool,
	suiteTimeoutMs int64,
	totalDurationMs int64,
) evaluation.TestSuiteOutcome {
	outcomes := make([]evaluation.TestCaseOutcome, 0, len(discovered))
	var logBuilder strings.Builder
	passed := 0

	for _, name := range discovered {
		result, ok := results[name]
		switch {
		case ok && result.passed:
			passed++
			outcomes = append(outcomes, evaluation.TestCaseOutcome{
				Name:       name,
				Passed:     true,
				DurationMs: result.durationMs,
			})
			fmt.Fprintf(&logBuilder, "PASS %s (%d ms)\n", name, result.durationMs)
		case ok:
			outcomes = append(outcomes, evaluation.TestCaseOutcome{
				Name:       name,
				Passed:     false,
				Message:    result.message,
				DurationMs: result.durationMs,
			})
			fmt.Fprintf(&logBuilder, "FAIL %s (%d ms): %s\n", name, result.durationMs, result.message)
		default:
			message := "harness exited before this test reported a result"
			if timedOut {
				message = fmt.Sprintf(constants.TestCaseMessageSuiteTimeout, suiteTimeoutMs)
			}
			outcomes = append(outcomes, evaluation.TestCaseOutcome{
				Name:    name,
				Passed:  false,
				Message: message,
			})
			fmt.Fprintf(&logBuilder, "FAIL %s: %s\n", name, message)
		}
	}

	fmt.Fprintf(&logBuilder, "%d/%d tests passed in %d ms", passed, len(discovered), totalDurationMs)

	return evaluation.TestSuiteOutcome{
		TotalCount:   len(discovered),
		PassedCount:  passed,
		FailedCount:  len(discovered) - passed,
		TestResults:  outcomes,
		ExecutionLog: logBuilder.String(),
		DurationMs:   totalDurationMs,
		TimedOut:     timedOut,
	}
}
