package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const subscriberBuffer = 8

// Event reports an auth state change.
type Event struct {
	Authenticated bool
	Source        string
	At            time.Time
}

// Broadcaster fans events out to subscribers. Slow subscribers miss events rather than block publishers.
type Broadcaster struct {
	logger zerolog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Watch subscribes until ctx is done, after which the channel is closed.
func (b *Broadcaster) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Publish delivers ev to every current subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn().Int("subscriber", id).Str("source", ev.Source).Msg("auth event dropped for slow subscriber")
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
