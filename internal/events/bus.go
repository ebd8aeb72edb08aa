// Package events carries exploration signals from a running session to
// whoever is listening: the CLI, the learning service, tests.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageType names the kind of payload a message carries.
type MessageType string

const (
	// TypePauseRequested carries a schemas.PauseRequested.
	TypePauseRequested MessageType = "PAUSE_REQUESTED"
	// TypeProgress carries a schemas.ProgressUpdate.
	TypeProgress MessageType = "PROGRESS"
	// TypeSessionFinished carries a schemas.SessionReport.
	TypeSessionFinished MessageType = "SESSION_FINISHED"
)

// ErrShutdown is returned by Post once the bus is closed.
var ErrShutdown = errors.New("event bus is shut down")

// Message is the envelope for data transmitted over the bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Type      MessageType
	Payload   interface{}
}

// Bus is a small pub/sub hub. Subscribers get their own buffered channel per
// Subscribe call; the bus closes those channels on Shutdown.
type Bus struct {
	logger *zap.Logger

	subscribers map[MessageType][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewBus initializes a bus whose subscriber channels hold bufferSize messages.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("event_bus"),
		subscribers:  make(map[MessageType][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// begin registers an in-flight post and returns the current subscribers of
// msgType. ok is false once the bus is shut down.
func (b *Bus) begin(msgType MessageType) (subs []chan Message, ok bool) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return nil, false
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	current := b.subscribers[msgType]
	subs = make([]chan Message, len(current))
	copy(subs, current)
	return subs, true
}

func newMessage(msgType MessageType, payload interface{}) Message {
	return Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Payload:   payload,
	}
}

// Post delivers payload to every subscriber of msgType, waiting for buffer
// space. It returns early when ctx is done or the bus shuts down.
func (b *Bus) Post(ctx context.Context, msgType MessageType, payload interface{}) error {
	subs, ok := b.begin(msgType)
	if !ok {
		return ErrShutdown
	}
	defer b.activePostsWg.Done()

	msg := newMessage(msgType, payload)
	b.logger.Debug("Posting message", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdownChan:
			return ErrShutdown
		}
	}
	return nil
}

// TryPost delivers payload to every subscriber with buffer space and drops it
// for the rest. It never blocks and returns how many deliveries were dropped.
func (b *Bus) TryPost(msgType MessageType, payload interface{}) int {
	subs, ok := b.begin(msgType)
	if !ok {
		return 0
	}
	defer b.activePostsWg.Done()

	msg := newMessage(msgType, payload)
	dropped := 0
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Debug("Dropped message for slow subscribers.", zap.String("type", string(msgType)), zap.Int("dropped", dropped))
	}
	return dropped
}

// Subscribe returns a channel receiving the given message types and a func
// that stops delivery to it. Only Shutdown closes the channel; a caller that
// unsubscribes early must stop reading on its own.
func (b *Bus) Subscribe(msgTypes ...MessageType) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdownMu.Lock()
	closed := b.isShutdown
	b.shutdownMu.Unlock()
	if closed {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	if len(msgTypes) == 0 {
		panic("must subscribe to at least one message type")
	}

	ch := make(chan Message, b.bufferSize)
	subscribedTypes := make([]MessageType, len(msgTypes))
	copy(subscribedTypes, msgTypes)
	for _, msgType := range subscribedTypes {
		b.subscribers[msgType] = append(b.subscribers[msgType], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, msgType := range subscribedTypes {
				subs := b.subscribers[msgType]
				for i, subscriberCh := range subs {
					if subscriberCh == ch {
						b.subscribers[msgType] = append(subs[:i:i], subs[i+1:]...)
						if len(b.subscribers[msgType]) == 0 {
							delete(b.subscribers, msgType)
						}
						break
					}
				}
			}
		})
	}
	return ch, unsubscribe
}

// Shutdown stops the bus, waits for in-flight posts and closes every
// subscriber channel. Buffered messages stay readable. Calling it more than
// once is safe.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Debug("Shutting down event bus...")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		// No post is in flight any more, so nothing can send on these.
		for ch := range unique {
			close(ch)
		}
		b.subscribers = make(map[MessageType][]chan Message)
		b.mu.Unlock()

		b.logger.Debug("Event bus shut down.", zap.Int("closed_channels", len(unique)))
	})
}
