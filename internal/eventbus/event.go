package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Event is the wire envelope carried on the durable log and the broadcast channel.
// Immutable once published.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   string         `json:"channel"`
	Event     string         `json:"event"`
	TenantID  string         `json:"tenantId"`
	Data      map[string]any `json:"data"`
}

// Payload is what a publisher supplies; ID and Timestamp are assigned by the bus.
type Payload struct {
	Event    string
	TenantID string
	Data     map[string]any
}

// Handler processes one delivered event. Returning an error (or panicking)
// leaves a consumer-group message pending for redelivery.
type Handler func(ctx context.Context, e Event) error

// Unsubscribe tears down a subscription and waits for its read loop to exit.
type Unsubscribe func()

// Bus is the message-distribution backbone.
type Bus interface {
	// Publish appends to the durable log and fans out to broadcast listeners.
	Publish(ctx context.Context, channel string, p Payload) (string, error)
	// Subscribe joins consumer group `group` as `consumer`. Each event matching
	// pattern is delivered to exactly one member of the group, at least once.
	// Entries that do not match are acknowledged for the whole group, so every
	// member of a group must use the same pattern; a conflicting Subscribe on
	// the same bus fails with ErrGroupPattern.
	Subscribe(ctx context.Context, pattern, group, consumer string, h Handler) (Unsubscribe, error)
	// SubscribePubSub receives best-effort broadcasts with no persistence.
	SubscribePubSub(ctx context.Context, patterns []string, h Handler) (Unsubscribe, error)
	// GetEvents returns the most recent limit entries, oldest first.
	GetEvents(ctx context.Context, limit int) ([]Event, error)
}

// PublishError reports that the backing store rejected an append.
// Callers decide whether to retry.
type PublishError struct {
	Channel string
	Event   string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("eventbus: publish %s to %s: %v", e.Event, e.Channel, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsPublishError reports whether err is (or wraps) a PublishError.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

var (
	ErrEventRequired    = errors.New("eventbus: event name required")
	ErrGroupRequired    = errors.New("eventbus: consumer group required")
	ErrConsumerRequired = errors.New("eventbus: consumer name required")
	ErrHandlerRequired  = errors.New("eventbus: handler required")
	ErrGroupPattern     = errors.New("eventbus: consumer group bound to a different pattern")
)

// groupPatterns pins each consumer group to one pattern while it has members.
type groupPatterns struct {
	mu     sync.Mutex
	groups map[string]*groupBinding
}

type groupBinding struct {
	pattern string
	members int
}

// bind registers a member of group using pattern. The returned release must
// be called when the member leaves.
func (r *groupPatterns) bind(group, pattern string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups == nil {
		r.groups = make(map[string]*groupBinding)
	}
	gb, ok := r.groups[group]
	if ok && gb.pattern != pattern {
		return nil, fmt.Errorf("%w: %s uses %q, not %q", ErrGroupPattern, group, gb.pattern, pattern)
	}
	if !ok {
		gb = &groupBinding{pattern: pattern}
		r.groups[group] = gb
	}
	gb.members++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if gb.members--; gb.members == 0 && r.groups[group] == gb {
				delete(r.groups, group)
			}
		})
	}, nil
}

// ChannelFor returns the domain channel an event name belongs to, e.g.
// "call.answered" -> "call.*".
func ChannelFor(event string) string {
	return Domain(event) + ".*"
}

// Domain returns the text before the first dot.
func Domain(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// MatchPattern reports whether an event name matches a subscription pattern.
//
//	"*"       matches everything
//	"call.*"  matches any event whose domain is "call"
//	otherwise the pattern must equal the event name
func MatchPattern(pattern, event string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		domain := strings.TrimSuffix(pattern, ".*")
		return domain != "" && strings.HasPrefix(event, domain+".")
	default:
		return pattern == event
	}
}

func matchAny(patterns []string, event string) bool {
	for _, p := range patterns {
		if MatchPattern(p, event) {
			return true
		}
	}
	return false
}

func validatePayload(p Payload) error {
	if strings.TrimSpace(p.Event) == "" {
		return ErrEventRequired
	}
	return nil
}

func validateSubscription(group, consumer string, h Handler) error {
	if group == "" {
		return ErrGroupRequired
	}
	if consumer == "" {
		return ErrConsumerRequired
	}
	if h == nil {
		return ErrHandlerRequired
	}
	return nil
}

func newEvent(channel string, p Payload, now time.Time) Event {
	if channel == "" {
		channel = ChannelFor(p.Event)
	}
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Timestamp: now.UTC(),
		Channel:   channel,
		Event:     p.Event,
		TenantID:  p.TenantID,
		Data:      data,
	}
}

func encodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEvent(id string, raw string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Event{}, fmt.Errorf("eventbus: decode %s: %w", id, err)
	}
	if id != "" {
		e.ID = id
	}
	return e, nil
}

// invoke runs h, converting a panic into an error so one bad message never
// takes down a read loop.
func invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("eventbus: handler panic: %v", p)
		}
	}()
	return h(ctx, e)
}
