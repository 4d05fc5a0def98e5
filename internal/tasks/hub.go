package tasks

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/logger"
)

// Event is one progress notification of a running task.
type Event struct {
	TaskID   string `json:"task_id"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Data     any    `json:"data,omitempty"`
}

// Publisher forwards events to other processes, e.g. over redis pub/sub.
type Publisher interface {
	PublishProgress(ctx context.Context, taskID string, payload []byte) error
}

const subscriberBuffer = 64

// Hub fans task events out to in-process subscribers and an optional remote publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	remote Publisher
}

func NewHub(remote Publisher) *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{}), remote: remote}
}

// Subscribe returns a channel of events for taskID and a function that unsubscribes. The channel
// is closed by Finish or by the unsubscribe function.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan Event]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[taskID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, taskID)
				}
			}
		})
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ctx context.Context, e Event) {
	h.mu.Lock()
	for ch := range h.subs[e.TaskID] {
		select {
		case ch <- e:
		default:
			logger.Debug("Dropping progress event for slow subscriber",
				zap.String("task_id", e.TaskID),
				zap.String("stage", e.Stage),
			)
		}
	}
	h.mu.Unlock()

	h.forward(ctx, e)
}

func (h *Hub) forward(ctx context.Context, e Event) {
	if h.remote == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		logger.Warn("Failed to encode progress event", zap.String("task_id", e.TaskID), zap.Error(err))
		return
	}
	if err := h.remote.PublishProgress(context.WithoutCancel(ctx), e.TaskID, payload); err != nil {
		logger.Warn("Failed to publish progress event", zap.String("task_id", e.TaskID), zap.Error(err))
	}
}

// Finish delivers a terminal event and closes every subscription of the task. A full subscriber
// loses its oldest buffered event rather than the terminal one.
func (h *Hub) Finish(ctx context.Context, e Event) {
	h.mu.Lock()
	for ch := range h.subs[e.TaskID] {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- e
		}
		close(ch)
	}
	delete(h.subs, e.TaskID)
	h.mu.Unlock()

	h.forward(ctx, e)
}

// Subscribers returns the number of open subscriptions for taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}
