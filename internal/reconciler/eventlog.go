package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight is returned by Claim while another worker is processing the same event.
var ErrInFlight = errors.New("event is already being processed")

const (
	stateProcessing = "processing"
	stateDone       = "done"

	// Claims that are never completed or released expire after this long.
	defaultClaimTTL = 5 * time.Minute
)

// EventLog remembers which provider events have been applied.
type EventLog interface {
	// Claim marks id as processing. It returns false when the event was already completed
	// and ErrInFlight while another claim is held.
	Claim(ctx context.Context, id string) (bool, error)

	// Complete marks a claimed event as applied.
	Complete(ctx context.Context, id string) error

	// Release drops a claim so the event can be processed again.
	Release(ctx context.Context, id string) error
}

// releaseScript deletes a claim only while it is still processing, so a completed event is
// never forgotten.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisEventLog stores event states in Redis under "webhook:event:<id>".
type RedisEventLog struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
}

// NewRedisEventLog creates an event log that remembers completed events for ttl.
func NewRedisEventLog(client redis.UniversalClient, ttl time.Duration) *RedisEventLog {
	return &RedisEventLog{
		client:   client,
		prefix:   "webhook:event:",
		ttl:      ttl,
		claimTTL: defaultClaimTTL,
	}
}

// Claim takes the event with SET NX.
func (l *RedisEventLog) Claim(ctx context.Context, id string) (bool, error) {
	key := l.prefix + id
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.client.SetNX(ctx, key, stateProcessing, l.claimTTL).Result()
		if err != nil {
			return false, fmt.Errorf("claim event %s: %w", id, err)
		}
		if ok {
			return true, nil
		}

		state, err := l.client.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// The previous claim expired between the two calls.
			continue
		case err != nil:
			return false, fmt.Errorf("read event %s: %w", id, err)
		case state == stateDone:
			return false, nil
		default:
			return false, fmt.Errorf("claim event %s: %w", id, ErrInFlight)
		}
	}
	return false, fmt.Errorf("claim event %s: %w", id, ErrInFlight)
}

// Complete records the event as done for the log's retention period.
func (l *RedisEventLog) Complete(ctx context.Context, id string) error {
	if err := l.client.Set(ctx, l.prefix+id, stateDone, l.ttl).Err(); err != nil {
		return fmt.Errorf("complete event %s: %w", id, err)
	}
	return nil
}

// Release removes a processing claim.
func (l *RedisEventLog) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + id}, stateProcessing).Err(); err != nil {
		return fmt.Errorf("release event %s: %w", id, err)
	}
	return nil
}

// MemoryEventLog implements EventLog in process memory.
type MemoryEventLog struct {
	mu      sync.Mutex
	now     func() time.Time
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	state     string
	expiresAt time.Time
}

// NewMemoryEventLog creates an in-memory event log that remembers completed events for ttl.
func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	return &MemoryEventLog{
		now:     time.Now,
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (l *MemoryEventLog) Claim(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[id]; ok && now.Before(e.expiresAt) {
		if e.state == stateDone {
			return false, nil
		}
		return false, fmt.Errorf("claim event %s: %w", id, ErrInFlight)
	}
	l.entries[id] = memoryEntry{state: stateProcessing, expiresAt: now.Add(defaultClaimTTL)}
	return true, nil
}

func (l *MemoryEventLog) Complete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[id] = memoryEntry{state: stateDone, expiresAt: l.now().Add(l.ttl)}
	return nil
}

func (l *MemoryEventLog) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok && e.state == stateProcessing {
		delete(l.entries, id)
	}
	return nil
}
