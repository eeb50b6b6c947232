package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the Redis-backed configuration store and control-message
// transport for one process (frontend or backend). It plays the role
// xenstore plays in the original protocol: a hierarchical key/value
// store with watches, here flattened to one Redis hash per interface
// plus a pub/sub channel for watch notifications.
type Store struct {
	client redis.Cmdable
}

// NewStore wraps an existing Redis client (standalone or cluster; both
// satisfy redis.Cmdable, matching the teacher's token-bucket
// constructor).
func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client}
}

func configKey(h Handle) string { return fmt.Sprintf("ifcfg/%d", h) }
func watchChannel(h Handle) string { return fmt.Sprintf("ifwatch/%d", h) }
func ctrlListKey(h Handle, toBackend bool) string {
	if toBackend {
		return fmt.Sprintf("ctrl/%d/to-backend", h)
	}
	return fmt.Sprintf("ctrl/%d/to-frontend", h)
}

// WriteConfig persists one key under the interface's configuration
// hash and publishes a watch notification, the same two-step xenstore
// clients perform on every write (write, then fire watches).
func (s *Store) WriteConfig(ctx context.Context, h Handle, key, value string) error {
	if err := s.client.HSet(ctx, configKey(h), key, value).Err(); err != nil {
		return fmt.Errorf("controlplane: write config %s/%s: %w", configKey(h), key, err)
	}
	if err := s.client.Publish(ctx, watchChannel(h), key).Err(); err != nil {
		return fmt.Errorf("controlplane: publish watch for %s: %w", configKey(h), err)
	}
	return nil
}

// ReadConfig reads one key from the interface's configuration hash.
func (s *Store) ReadConfig(ctx context.Context, h Handle, key string) (string, error) {
	v, err := s.client.HGet(ctx, configKey(h), key).Result()
	if err != nil {
		return "", fmt.Errorf("controlplane: read config %s/%s: %w", configKey(h), key, err)
	}
	return v, nil
}

// ReadAllConfig returns every persisted key for the interface.
func (s *Store) ReadAllConfig(ctx context.Context, h Handle) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, configKey(h)).Result()
	if err != nil {
		return nil, fmt.Errorf("controlplane: read all config for %s: %w", configKey(h), err)
	}
	return m, nil
}

// Watch subscribes to configuration changes for the interface. The
// returned channel receives the changed key's name; cancel (or
// cancelling ctx) stops the subscription.
func (s *Store) Watch(ctx context.Context, h Handle) (ch <-chan string, cancel func(), err error) {
	client, ok := s.client.(redis.UniversalClient)
	if !ok {
		return nil, nil, fmt.Errorf("controlplane: watch requires a subscribable client")
	}
	sub := client.Subscribe(ctx, watchChannel(h))
	out := make(chan string, 16)
	go func() {
		defer close(out)
		c := sub.Channel()
		for msg := range c {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

// SendToBackend enqueues a control message the frontend sends the
// backend (InterfaceConnect, CreditLimit override, Disconnect ack).
func (s *Store) SendToBackend(ctx context.Context, h Handle, msg Message) error {
	return s.push(ctx, ctrlListKey(h, true), msg)
}

// SendToFrontend enqueues a control message the backend sends the
// frontend (InterfaceStatus, Disconnect request).
func (s *Store) SendToFrontend(ctx context.Context, h Handle, msg Message) error {
	return s.push(ctx, ctrlListKey(h, false), msg)
}

func (s *Store) push(ctx context.Context, key string, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("controlplane: marshal message: %w", err)
	}
	if err := s.client.RPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("controlplane: enqueue %s: %w", key, err)
	}
	return nil
}

// ReceiveFromFrontend blocks (bounded by ctx) for the next message the
// backend's side of the list holds. spec.md forbids blocking on the
// packet/request path but explicitly allows it for control messages
// (§5, "waiting for a control-message response").
func (s *Store) ReceiveFromFrontend(ctx context.Context, h Handle, timeout time.Duration) (Message, bool, error) {
	return s.blpop(ctx, ctrlListKey(h, true), timeout)
}

// ReceiveFromBackend is the frontend-side counterpart of
// ReceiveFromFrontend.
func (s *Store) ReceiveFromBackend(ctx context.Context, h Handle, timeout time.Duration) (Message, bool, error) {
	return s.blpop(ctx, ctrlListKey(h, false), timeout)
}

func (s *Store) blpop(ctx context.Context, key string, timeout time.Duration) (Message, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("controlplane: blpop %s: %w", key, err)
	}
	if len(res) != 2 {
		return Message{}, false, fmt.Errorf("controlplane: unexpected blpop reply %v", res)
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, false, fmt.Errorf("controlplane: unmarshal message: %w", err)
	}
	return msg, true, nil
}

// ParseRate decodes the "rate" configuration value ("bytes,usec") into
// its two components.
func ParseRate(rate string) (bytes uint64, usec uint64, err error) {
	var b, u int64
	n, scanErr := fmt.Sscanf(rate, "%d,%d", &b, &u)
	if scanErr != nil || n != 2 {
		return 0, 0, fmt.Errorf("controlplane: malformed rate %q", rate)
	}
	return uint64(b), uint64(u), nil
}

// FormatRate encodes a credit limit as the "rate" configuration value.
func FormatRate(bytes, usec uint64) string {
	return strconv.FormatUint(bytes, 10) + "," + strconv.FormatUint(usec, 10)
}
