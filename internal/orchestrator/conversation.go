package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/reasoner"
)

// MessageStore persists conversation entries.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg domain.MessageView) error
	ListMessages(ctx context.Context, jobID string) ([]domain.MessageView, error)
}

// ConversationLog collects the user-facing conversation of each root job:
// the question, the reasoners' thinking chain and the final answer. It is
// the reasoners' MessageSink.
type ConversationLog struct {
	store  MessageStore
	logger *slog.Logger

	mu     sync.RWMutex
	owners map[string]string // subjob id -> root job id
	views  map[string][]domain.MessageView
}

// NewConversationLog creates a log. store may be nil.
func NewConversationLog(store MessageStore, logger *slog.Logger) *ConversationLog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConversationLog{
		store:  store,
		logger: logger,
		owners: make(map[string]string),
		views:  make(map[string][]domain.MessageView),
	}
}

// Bind attributes messages recorded for subJobID to rootID.
func (c *ConversationLog) Bind(subJobID, rootID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.owners[subJobID] = rootID
	c.mu.Unlock()
}

// Add appends v to the conversation of its job.
func (c *ConversationLog) Add(ctx context.Context, v domain.MessageView) {
	if c == nil {
		return
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.views[v.JobID] = append(c.views[v.JobID], v)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveMessage(ctx, v); err != nil {
			c.logger.WarnContext(ctx, "failed to persist message",
				slog.String("job_id", v.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Record implements reasoner.MessageSink.
func (c *ConversationLog) Record(ctx context.Context, key reasoner.MemoryKey, msg domain.ModelMessage) {
	if c == nil {
		return
	}
	c.mu.RLock()
	root, ok := c.owners[key.JobID]
	c.mu.RUnlock()
	if !ok {
		root = key.JobID
	}
	c.Add(ctx, domain.MessageView{
		Role:       domain.ViewThinking,
		Content:    msg.Content,
		JobID:      root,
		OperatorID: key.OperatorID,
		Source:     string(msg.Source),
		Timestamp:  msg.Timestamp,
	})
}

// View returns the conversation of jobID, falling back to the store when
// nothing is held in memory.
func (c *ConversationLog) View(ctx context.Context, jobID string) ([]domain.MessageView, error) {
	c.mu.RLock()
	views, ok := c.views[jobID]
	out := append([]domain.MessageView(nil), views...)
	c.mu.RUnlock()
	if ok || c.store == nil {
		return out, nil
	}
	return c.store.ListMessages(ctx, jobID)
}

// Release drops the in-memory conversation of rootID and its bindings.
func (c *ConversationLog) Release(rootID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, rootID)
	for sub, root := range c.owners {
		if root == rootID {
			delete(c.owners, sub)
		}
	}
}

var _ reasoner.MessageSink = (*ConversationLog)(nil)
