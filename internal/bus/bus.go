// Package bus provides the observable event bus the Orchestrator and the
// Step Runner publish ExecutionEvents on. Subscribers key on EventKind; independent taps let the
// terminal display and any audit sink observe the entire event stream
// without influencing control flow.
package bus

import (
	"log/slog"
	"sync"

	"github.com/skillrun/skillrun/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable event bus. The Orchestrator and the Step Runner are
// its publishers; the terminal display and any audit sink are its consumers.
type Bus struct {
	mu          sync.RWMutex
	log         *slog.Logger
	subscribers map[types.EventKind][]chan types.ExecutionEvent
	taps        []chan types.ExecutionEvent
}

// New creates a new Bus. A nil logger disables drop warnings.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		log:         log,
		subscribers: make(map[types.EventKind][]chan types.ExecutionEvent),
	}
}

// Publish fans out ev to all subscribers of ev.Kind and to every tap.
// Non-blocking: a full subscriber or tap channel drops the event with a warning
// rather than stalling the Orchestrator.
func (b *Bus) Publish(ev types.ExecutionEvent) {
	b.mu.RLock()
	subs := b.subscribers[ev.Kind]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("bus subscriber channel full, event dropped", "kind", ev.Kind, "from", ev.From)
		}
	}

	for _, tap := range taps {
		select {
		case tap <- ev:
		default:
			b.log.Warn("bus tap channel full, event dropped", "kind", ev.Kind)
		}
	}
}

// Subscribe returns a receive-only channel that delivers events of kind k.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(k types.EventKind) <-chan types.ExecutionEvent {
	ch := make(chan types.ExecutionEvent, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event, regardless of kind.
func (b *Bus) NewTap() <-chan types.ExecutionEvent {
	ch := make(chan types.ExecutionEvent, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// Tap is an alias for NewTap, kept for callers that prefer the shorter name.
func (b *Bus) Tap() <-chan types.ExecutionEvent {
	return b.NewTap()
}
