package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Letter is a side effect that could not be delivered.
type Letter struct {
	Sink      string          `json:"sink"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

type DeadLetters interface {
	Park(ctx context.Context, l Letter) error
	// Drain hands up to max letters of a sink to fn, oldest first. A letter
	// fn fails on is put back and draining stops.
	Drain(ctx context.Context, sink string, max int, fn func(ctx context.Context, l Letter) error) (int, error)
	Len(ctx context.Context, sink string) (int64, error)
}

// RedisDeadLetters keeps one list per sink, "deadletter:<sink>". Newest
// letters are pushed on the left, so the oldest is taken from the right.
// A letter being replayed sits in "deadletter:<sink>:processing" until the
// replay settles, so a crashed replayer loses nothing. One replayer per sink
// is assumed.
type RedisDeadLetters struct {
	client *redis.Client
}

func NewRedisDeadLetters(client *redis.Client) *RedisDeadLetters {
	return &RedisDeadLetters{client: client}
}

func deadLetterKey(sink string) string {
	return "deadletter:" + sink
}

func processingKey(sink string) string {
	return deadLetterKey(sink) + ":processing"
}

func (d *RedisDeadLetters) Park(ctx context.Context, l Letter) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.client.LPush(ctx, deadLetterKey(l.Sink), data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// recoverOrphans puts letters an interrupted drain left in the processing
// list back at the oldest end of the sink's list.
func (d *RedisDeadLetters) recoverOrphans(ctx context.Context, sink string) error {
	for {
		err := d.client.LMove(ctx, processingKey(sink), deadLetterKey(sink), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover dead letters: %w", err)
		}
	}
}

func (d *RedisDeadLetters) Drain(ctx context.Context, sink string, max int, fn func(ctx context.Context, l Letter) error) (int, error) {
	if err := d.recoverOrphans(ctx, sink); err != nil {
		return 0, err
	}

	key, processing := deadLetterKey(sink), processingKey(sink)
	handled := 0

	for handled < max {
		raw, err := d.client.LMove(ctx, key, processing, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return handled, nil
		}
		if err != nil {
			return handled, fmt.Errorf("take dead letter: %w", err)
		}

		var l Letter
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			// unreadable letters cannot be replayed; drop them
			if err := d.client.LRem(ctx, processing, 1, raw).Err(); err != nil {
				return handled, fmt.Errorf("drop dead letter: %w", err)
			}
			handled++
			continue
		}

		if err := fn(ctx, l); err != nil {
			if merr := d.client.LMove(ctx, processing, key, "LEFT", "RIGHT").Err(); merr != nil {
				return handled, fmt.Errorf("requeue dead letter: %w", merr)
			}
			return handled, err
		}

		if err := d.client.LRem(ctx, processing, 1, raw).Err(); err != nil {
			return handled, fmt.Errorf("ack dead letter: %w", err)
		}
		handled++
	}

	return handled, nil
}

func (d *RedisDeadLetters) Len(ctx context.Context, sink string) (int64, error) {
	return d.client.LLen(ctx, deadLetterKey(sink)).Result()
}

// MemoryDeadLetters is the in-process variant used with STORE_DRIVER=memory
// and in tests.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters map[string][]Letter
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{letters: make(map[string][]Letter)}
}

func (d *MemoryDeadLetters) Park(_ context.Context, l Letter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters[l.Sink] = append(d.letters[l.Sink], l)
	return nil
}

func (d *MemoryDeadLetters) Drain(ctx context.Context, sink string, max int, fn func(ctx context.Context, l Letter) error) (int, error) {
	handled := 0
	for handled < max {
		d.mu.Lock()
		if len(d.letters[sink]) == 0 {
			d.mu.Unlock()
			return handled, nil
		}
		l := d.letters[sink][0]
		d.letters[sink] = d.letters[sink][1:]
		d.mu.Unlock()

		if err := fn(ctx, l); err != nil {
			d.mu.Lock()
			d.letters[sink] = append([]Letter{l}, d.letters[sink]...)
			d.mu.Unlock()
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func (d *MemoryDeadLetters) Len(_ context.Context, sink string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.letters[sink])), nil
}
