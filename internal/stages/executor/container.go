package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/internal/sandbox"
	"github.com/gradekit/worker/pkg/constants"
	"github.com/gradekit/worker/pkg/evaluation"
	customErr "github.com/gradekit/worker/pkg/errors"
	"github.com/gradekit/worker/utils"
	"go.uber.org/zap"
)

var containerNameRegex = regexp.MustCompile("[^a-zA-Z0-9_.-]")

const harnessContainerPath = "/harness"

type containerExecutor struct {
	logger *zap.SugaredLogger
	client sandbox.Client
	image  string
}

// NewContainerExecutor returns an Executor running the harness inside a
// per-evaluation hardened container: no network, all capabilities dropped,
// private cgroup and ipc namespaces, pids and memory limits. The evaluation
// directory is bind-mounted, the harness read-only.
func NewContainerExecutor(client sandbox.Client, image string) Executor {
	return &containerExecutor{
		logger: logger.NewNamedLogger("container-executor"),
		client: client,
		image:  image,
	}
}

func (e *containerExecutor) RunTests(
	ctx context.Context,
	artifactPath, testArtifact string,
	suiteTimeout time.Duration,
) (evaluation.TestSuiteOutcome, error) {
	e.logger.Infof("Running suite %s against %s in container", testArtifact, artifactPath)

	// Discovery only executes the trusted harness, so it stays on the host.
	discovered, err := discoverTests(ctx, testArtifact)
	if err != nil {
		e.logger.Warnf("Test discovery failed for %s: %s", testArtifact, err)
		return discoveryFailureOutcome(testArtifact, err), nil
	}

	evalDir := filepath.Dir(artifactPath)
	scratchDir, err := os.MkdirTemp(evalDir, "suite-")
	if err != nil {
		return evaluation.TestSuiteOutcome{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := utils.RemoveIO(scratchDir, true, false); err != nil {
			e.logger.Warnf("Failed to remove scratch dir %s: %s", scratchDir, err)
		}
	}()

	hostReportPath := filepath.Join(scratchDir, constants.ReportFileName)
	containerArtifact := filepath.Join(constants.ContainerWorkDir, filepath.Base(artifactPath))
	containerReport := filepath.Join(constants.ContainerWorkDir, filepath.Base(scratchDir), constants.ReportFileName)

	if err := e.client.EnsureImage(ctx, e.image); err != nil {
		return evaluation.TestSuiteOutcome{}, err
	}

	containerCfg := buildContainerConfig(e.image, containerArtifact, containerReport)
	hostCfg := buildHostConfig(evalDir, testArtifact)

	containerID, err := e.client.CreateContainer(ctx, containerCfg, hostCfg, SanitizeContainerName(filepath.Base(evalDir)))
	if err != nil {
		return evaluation.TestSuiteOutcome{}, err
	}

	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanupCancel()
		if err := e.client.ContainerRemove(cleanupCtx, containerID); err != nil {
			e.logger.Warnf("Failed to remove container %s: %s", containerID, err)
		}
	}()

	start := time.Now()
	if err := e.client.StartContainer(ctx, containerID); err != nil {
		return evaluation.TestSuiteOutcome{}, err
	}

	timedOut := false
	exitCode, waitErr := e.client.WaitContainer(ctx, containerID, suiteTimeout)
	if waitErr != nil {
		if !errors.Is(waitErr, customErr.ErrContainerTimeout) {
			return evaluation.TestSuiteOutcome{}, waitErr
		}
		timedOut = true
		e.logger.Warnf("Suite timed out after %s, killing container %s", suiteTimeout, containerID)
		if err := e.client.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
			e.logger.Warnf("Failed to kill container %s: %s", containerID, err)
		}
	} else if exitCode != 0 {
		// The harness crashed; the partial report decides the outcome.
		e.logger.Warnf("Harness container exited with code %d", exitCode)
	}
	totalDuration := time.Since(start)

	results := parseReport(hostReportPath)
	outcome := assembleOutcome(discovered, results, timedOut, suiteTimeout.Milliseconds(), totalDuration.Milliseconds())

	e.logger.Infof("Suite finished: %d/%d passed in %d ms", outcome.PassedCount, outcome.TotalCount, outcome.DurationMs)
	return outcome, nil
}

func SanitizeContainerName(raw string) string {
	cleaned := containerNameRegex.ReplaceAllString(raw, "-")
	if cleaned == "" {
		cleaned = "untitled"
	}
	return "evaluation-" + cleaned
}

func buildContainerConfig(image, containerArtifact, containerReport string) *container.Config {
	stopTimeout := constants.ContainerStopTimeoutSec

	return &container.Config{
		Image: image,
		Cmd: []string{
			harnessContainerPath,
			constants.HarnessArtifactFlag, containerArtifact,
			constants.HarnessReportFlag, containerReport,
		},
		WorkingDir:  constants.ContainerWorkDir,
		User:        constants.ContainerRunnerUser,
		StopTimeout: &stopTimeout,
		StopSignal:  "SIGKILL",
	}
}

func buildHostConfig(evalDir, testArtifact string) *container.HostConfig {
	return &container.HostConfig{
		AutoRemove:  false,
		NetworkMode: container.NetworkMode("none"),
		Binds: []string{
			evalDir + ":" + constants.ContainerWorkDir,
			testArtifact + ":" + harnessContainerPath + ":ro",
		},
		Resources: container.Resources{
			Memory:     constants.ContainerMemoryBytes,
			MemorySwap: constants.ContainerMemoryBytes,
			PidsLimit:  func(v int64) *int64 { return &v }(constants.ContainerPidsLimit),
			CPUPeriod:  100_000,
			CPUQuota:   100_000,
		},
		SecurityOpt:  []string{"no-new-privileges"},
		CgroupnsMode: container.CgroupnsModePrivate,
		IpcMode:      container.IpcMode("private"),
		CapDrop:      []string{"ALL"},
	}
}
