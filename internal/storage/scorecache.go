package storage

import (
	"sync"

	"github.com/gradekit/worker/internal/logger"
	"go.uber.org/zap"
)

// ScoreCache is a best-effort, in-process cache of each student's latest
// score. The relational evaluation store stays authoritative; a miss or a
// stale value here never fails anything, callers fall back to the store.
//
// Entries are keyed by the student identifier value itself. Keying by a
// derived hash would let distinct students collide and silently overwrite
// each other's score.
type ScoreCache interface {
	StoreScore(studentID string, score int)
	UpdateScore(studentID string, score int)
	RetrieveScore(studentID string) (int, bool)
	InvalidateScore(studentID string)
	ContainsStudent(studentID string) bool
	ClearAll()
	Size() int
}

type scoreCache struct {
	mu     sync.RWMutex
	scores map[string]int
	logger *zap.SugaredLogger
}

func NewScoreCache() ScoreCache {
	return &scoreCache{
		scores: make(map[string]int),
		logger: logger.NewNamedLogger("score-cache"),
	}
}

func (c *scoreCache) StoreScore(studentID string, score int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scores[studentID] = score
	c.logger.Debugf("Cached score %d for student %s", score, studentID)
}

// UpdateScore is an upsert and behaves exactly like StoreScore; both names
// are kept so call sites read as intent.
func (c *scoreCache) UpdateScore(studentID string, score int) {
	c.StoreScore(studentID, score)
}

func (c *scoreCache) RetrieveScore(studentID string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	score, ok := c.scores[studentID]
	return score, ok
}

func (c *scoreCache) InvalidateScore(studentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.scores, studentID)
	c.logger.Debugf("Invalidated cached score for student %s", studentID)
}

func (c *scoreCache) ContainsStudent(studentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.scores[studentID]
	return ok
}

func (c *scoreCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scores = make(map[string]int)
}

func (c *scoreCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.scores)
}
