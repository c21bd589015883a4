package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/pkg/constants"
	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// LogEntry is one append-only record in the diagnostic log store. Entries
// are never mutated after being written.
type LogEntry struct {
	ID        string            `json:"id" db:"id"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
	Level     Level             `json:"level" db:"level"`
	Category  string            `json:"category" db:"category"`
	Message   string            `json:"message" db:"message"`
	Details   map[string]string `json:"details,omitempty" db:"-"`
	Exception *ExceptionInfo    `json:"exception,omitempty" db:"-"`
}

// ExceptionInfo captures an error and its cause chain in a structured form.
type ExceptionInfo struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Stack   []string       `json:"stack,omitempty"`
	Cause   *ExceptionInfo `json:"cause,omitempty"`
}

// Store is the append-only diagnostic log store. No read path is needed.
type Store interface {
	Save(ctx context.Context, entry *LogEntry) error
}

// Recorder writes structured diagnostic entries, fire-and-forget: a store
// failure is logged locally and never propagates to the caller.
type Recorder interface {
	LogError(ctx context.Context, category, message string, details map[string]string, cause error)
	LogWarning(ctx context.Context, category, message string, details map[string]string)
	LogInfo(ctx context.Context, category, message string, details map[string]string)
}

type recorder struct {
	store  Store
	logger *zap.SugaredLogger
}

func NewRecorder(store Store) Recorder {
	return &recorder{
		store:  store,
		logger: logger.NewNamedLogger("diagnostics"),
	}
}

func (r *recorder) LogError(ctx context.Context, category, message string, details map[string]string, cause error) {
	entry := newEntry(LevelError, category, message, details)
	if cause != nil {
		entry.Exception = describeError(cause, constants.MaxCauseChainDepth)
		entry.Exception.Stack = captureStack(constants.MaxStackFrames)
	}
	r.append(ctx, entry)
}

func (r *recorder) LogWarning(ctx context.Context, category, message string, details map[string]string) {
	r.append(ctx, newEntry(LevelWarning, category, message, details))
}

func (r *recorder) LogInfo(ctx context.Context, category, message string, details map[string]string) {
	r.append(ctx, newEntry(LevelInfo, category, message, details))
}

func (r *recorder) append(ctx context.Context, entry *LogEntry) {
	if err := r.store.Save(ctx, entry); err != nil {
		// Diagnostics are advisory; failing to store one must never change
		// an evaluation's outcome.
		r.logger.Errorf("Failed to append diagnostic entry %s: %s", entry.ID, err)
	}
}

func newEntry(level Level, category, message string, details map[string]string) *LogEntry {
	return &LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     level,
		Category:  category,
		Message:   message,
		Details:   details,
	}
}

// describeError walks the Unwrap chain up to maxDepth levels.
func describeError(err error, maxDepth int) *ExceptionInfo {
	if err == nil || maxDepth == 0 {
		return nil
	}

	info := &ExceptionInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if cause := errors.Unwrap(err); cause != nil {
		info.Cause = describeError(cause, maxDepth-1)
	}
	return info
}

func captureStack(maxFrames int) []string {
	pcs := make([]uintptr, maxFrames)
	// Skip runtime.Callers, captureStack and the recorder method.
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			stack = append(stack, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	return stack
}
