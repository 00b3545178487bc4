// Package bus provides the process-wide publish/subscribe primitive used to
// coordinate run lifecycle hooks. Publishers may post and wait until every
// matching subscriber has finished handling the event.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-starter/metrics"
)

// State is the phase tag carried by stateful events.
type State string

const (
	StateBefore State = "BEFORE"
	StateInTime State = "IN_TIME"
	StateAfter  State = "AFTER"
)

// Stateful is implemented by events that carry a State. Subscriptions
// registered WithState only receive events whose EventState matches.
type Stateful interface {
	EventState() State
}

// Handler handles one event. It may block; PostAndWait callers wait for it.
type Handler[E any] func(ctx context.Context, event E) error

type subscription struct {
	subscriber any
	state      State
	match      func(event any) bool
	once       bool
	fired      atomic.Bool
	handle     func(ctx context.Context, event any) error
}

// Bus routes events to subscriptions keyed by the event's dynamic type.
type Bus struct {
	log            log.Logger
	maxConcurrency int

	mu   sync.RWMutex
	subs map[reflect.Type][]*subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for fire-and-forget handler failures.
func WithLogger(logger log.Logger) Option {
	return func(b *Bus) {
		b.log = logger
	}
}

// WithMaxConcurrency bounds the number of handlers run in parallel for a
// single PostAndWait. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(b *Bus) {
		b.maxConcurrency = n
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[reflect.Type][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = log.New("component", "bus")
	}
	return b
}

var defaultBus atomic.Pointer[Bus]

func init() {
	defaultBus.Store(New())
}

// Default returns the process-wide bus.
func Default() *Bus {
	return defaultBus.Load()
}

// SetDefault replaces the process-wide bus, returning the previous one.
func SetDefault(b *Bus) *Bus {
	if b == nil {
		panic("bus: nil default bus")
	}
	return defaultBus.Swap(b)
}

type subscribeConfig struct {
	state   State
	match   func(event any) bool
	once    bool
	replace bool
}

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*subscribeConfig)

// WithState restricts delivery to Stateful events in the given state.
func WithState(state State) SubscribeOption {
	return func(c *subscribeConfig) {
		c.state = state
	}
}

// Where restricts delivery to events accepted by match. The predicate runs
// before a Once subscription is consumed, so an event it rejects leaves the
// subscription armed.
func Where(match func(event any) bool) SubscribeOption {
	return func(c *subscribeConfig) {
		c.match = match
	}
}

// Once removes the subscription after its first delivery.
func Once() SubscribeOption {
	return func(c *subscribeConfig) {
		c.once = true
	}
}

// Replace drops the subscriber's existing subscriptions for the same event
// type before adding the new one. Without it subscriptions stack.
func Replace() SubscribeOption {
	return func(c *subscribeConfig) {
		c.replace = true
	}
}

// Subscribe registers handler for events of type E on behalf of subscriber.
// E must be the concrete type that publishers post. The subscriber identity
// must be comparable; it is used by Unsubscribe and Replace.
func Subscribe[E any](b *Bus, subscriber any, handler Handler[E], opts ...SubscribeOption) {
	if subscriber == nil || !reflect.TypeOf(subscriber).Comparable() {
		panic(fmt.Sprintf("bus: subscriber identity %T is not comparable", subscriber))
	}
	if handler == nil {
		panic("bus: nil handler")
	}
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &subscription{
		subscriber: subscriber,
		state:      cfg.state,
		match:      cfg.match,
		once:       cfg.once,
		handle: func(ctx context.Context, event any) error {
			return handler(ctx, event.(E))
		},
	}
	typ := reflect.TypeFor[E]()

	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.replace {
		b.subs[typ] = slices.DeleteFunc(b.subs[typ], func(existing *subscription) bool {
			return existing.subscriber == subscriber
		})
	}
	b.subs[typ] = append(b.subs[typ], s)
}

// UnsubscribeType removes the subscriber's subscriptions for events of type E.
func UnsubscribeType[E any](b *Bus, subscriber any) {
	typ := reflect.TypeFor[E]()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[typ] = slices.DeleteFunc(b.subs[typ], func(s *subscription) bool {
		return s.subscriber == subscriber
	})
	if len(b.subs[typ]) == 0 {
		delete(b.subs, typ)
	}
}

// Unsubscribe removes every subscription held by subscriber.
func (b *Bus) Unsubscribe(subscriber any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, subs := range b.subs {
		subs = slices.DeleteFunc(subs, func(s *subscription) bool {
			return s.subscriber == subscriber
		})
		if len(subs) == 0 {
			delete(b.subs, typ)
		} else {
			b.subs[typ] = subs
		}
	}
}

// Reset drops all subscriptions. Tests call it between cases so that
// subscriptions never outlive the run that registered them.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[reflect.Type][]*subscription)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Post delivers event asynchronously. Handler failures are logged.
func (b *Bus) Post(ctx context.Context, event any) {
	subs := b.claim(event)
	if len(subs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	name := eventName(event)
	for _, s := range subs {
		go func() {
			if err := b.invoke(ctx, s, event); err != nil {
				b.log.Warn("Event handler failed", "event", name, "err", err)
			}
		}()
	}
}

// PostAndWait delivers event to every matching subscription and blocks until
// all handlers have returned. Handler errors do not stop other handlers; they
// are returned together as a *HandlerFailure. If ctx is done first a
// *WaitTimeoutError is returned while the handlers keep running.
func (b *Bus) PostAndWait(ctx context.Context, event any) error {
	subs := b.claim(event)
	if len(subs) == 0 {
		return nil
	}
	name := eventName(event)
	metrics.RecordEventPosted(name, string(stateOf(event)))

	done := make(chan error, 1)
	go func() {
		done <- b.dispatch(ctx, event, subs)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &HandlerFailure{Event: name, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &WaitTimeoutError{Event: name, Handlers: len(subs), Err: ctx.Err()}
	}
}

func (b *Bus) dispatch(ctx context.Context, event any, subs []*subscription) error {
	p := pool.New().WithErrors()
	if b.maxConcurrency > 0 {
		p = p.WithMaxGoroutines(b.maxConcurrency)
	}
	for _, s := range subs {
		p.Go(func() error {
			return b.invoke(ctx, s, event)
		})
	}
	return p.Wait()
}

func (b *Bus) invoke(ctx context.Context, s *subscription, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SubscriberError{Subscriber: subscriberName(s.subscriber), Err: fmt.Errorf("handler panic: %v", r)}
		}
		if err != nil {
			metrics.RecordHandlerFailure(eventName(event))
		}
	}()
	if herr := s.handle(ctx, event); herr != nil {
		return &SubscriberError{Subscriber: subscriberName(s.subscriber), Err: herr}
	}
	return nil
}

// claim snapshots the subscriptions matching event and retires one-shot
// subscriptions that this delivery consumes.
func (b *Bus) claim(event any) []*subscription {
	if event == nil {
		return nil
	}
	typ := reflect.TypeOf(event)
	state := stateOf(event)

	b.mu.RLock()
	candidates := slices.Clone(b.subs[typ])
	b.mu.RUnlock()

	var (
		matched []*subscription
		retired []*subscription
	)
	for _, s := range candidates {
		if s.state != "" && s.state != state {
			continue
		}
		if s.match != nil && !s.match(event) {
			continue
		}
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			retired = append(retired, s)
		}
		matched = append(matched, s)
	}

	if len(retired) > 0 {
		b.mu.Lock()
		b.subs[typ] = slices.DeleteFunc(b.subs[typ], func(s *subscription) bool {
			return slices.Contains(retired, s)
		})
		if len(b.subs[typ]) == 0 {
			delete(b.subs, typ)
		}
		b.mu.Unlock()
	}
	return matched
}

func stateOf(event any) State {
	if s, ok := event.(Stateful); ok {
		return s.EventState()
	}
	return ""
}

func eventName(event any) string {
	return fmt.Sprintf("%T", event)
}

func subscriberName(subscriber any) string {
	if s, ok := subscriber.(fmt.Stringer); ok {
		return s.String()
	}
	if s, ok := subscriber.(string); ok {
		return s
	}
	return fmt.Sprintf("%T", subscriber)
}
