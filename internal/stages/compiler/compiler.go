package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/pkg/constants"
	"github.com/gradekit/worker/pkg/evaluation"
	"go.uber.org/zap"
)

// Compiler turns a single source file into a loadable artifact. It never
// loads or executes the produced artifact and writes only under outputDir.
type Compiler interface {
	Compile(ctx context.Context, sourceFile, outputDir string, timeout time.Duration) (evaluation.CompilationOutcome, error)
}

type cppCompiler struct {
	binary string
	std    string
	logger *zap.SugaredLogger
}

// NewCppCompiler returns a Compiler invoking the platform C++ compiler
// (binary, e.g. "g++") with the given -std level.
func NewCppCompiler(binary, std string) Compiler {
	return &cppCompiler{
		binary: binary,
		std:    std,
		logger: logger.NewNamedLogger("compiler"),
	}
}

// Compile runs the compiler against sourceFile, producing the artifact under
// outputDir. Compilation failure and timeout are reported through the
// outcome; the returned error is reserved for infrastructure faults.
func (c *cppCompiler) Compile(
	ctx context.Context,
	sourceFile, outputDir string,
	timeout time.Duration,
) (evaluation.CompilationOutcome, error) {
	c.logger.Infof("Compiling %s", sourceFile)

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return evaluation.CompilationOutcome{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	artifactPath := filepath.Join(outputDir, constants.ArtifactFileName)

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, c.binary, "-o", artifactPath, "-std="+c.std, sourceFile)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	cmdErr := cmd.Run()

	if cmdCtx.Err() != nil && errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		c.logger.Warnf("Compilation of %s timed out after %s", sourceFile, timeout)
		diagnostics := splitDiagnostics(stderr.String())
		diagnostics = append(diagnostics, fmt.Sprintf("compilation timed out after %s", timeout))
		return evaluation.CompilationOutcome{
			Success:     false,
			Diagnostics: diagnostics,
		}, nil
	}

	if cmdErr != nil {
		c.logger.Infof("Compilation of %s failed: %s", sourceFile, cmdErr)
		diagnostics := splitDiagnostics(stderr.String())
		if len(diagnostics) == 0 {
			diagnostics = []string{cmdErr.Error()}
		}
		return evaluation.CompilationOutcome{
			Success:     false,
			Diagnostics: diagnostics,
		}, nil
	}

	if _, err := os.Stat(artifactPath); err != nil {
		// Exit 0 without an artifact counts as a failed compile.
		return evaluation.CompilationOutcome{
			Success:     false,
			Diagnostics: []string{fmt.Sprintf("compiler exited cleanly but produced no artifact at %s", artifactPath)},
		}, nil
	}

	c.logger.Infof("Compilation successful, artifact at %s", artifactPath)
	return evaluation.CompilationOutcome{
		Success:      true,
		Diagnostics:  splitDiagnostics(stderr.String()), // warnings, in emission order
		ArtifactPath: artifactPath,
	}, nil
}

func splitDiagnostics(raw string) []string {
	var diagnostics []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		diagnostics = append(diagnostics, line)
	}
	return diagnostics
}
