// Package delivery sends a cycle's staged changes to the sink, oldest
// first, one at a time.
//
// A notification is retried until the sink accepts it, reconnecting between
// attempts; the next one is not started before that. The store mutation
// staged with a notification is applied only once it is delivered, and the
// snapshot is saved only when every notification of the cycle went out.
// Mutations left unsaved by an interrupted or failed run are saved by the
// next run that completes.
package delivery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/noticewatch/channels"
	"github.com/hazyhaar/noticewatch/circulars/internal/detect"
	"github.com/hazyhaar/noticewatch/circulars/internal/store"
	"github.com/hazyhaar/noticewatch/watch"
)

// ErrGaveUp is returned when a bounded retry policy is exhausted.
var ErrGaveUp = errors.New("delivery: gave up")

// Renderer builds the notification of a change.
type Renderer interface {
	Render(c detect.Change) (channels.Notification, error)
}

// Saver persists the store.
type Saver interface {
	Save(ctx context.Context, s *store.Store) error
}

// Record describes one confirmed delivery.
type Record struct {
	NotificationID string
	Identity       string
	Kind           store.Kind
	Updates        int
	Digest         string // hex
	Attempts       int
	Delivered      time.Time
}

// Report summarises one Run.
type Report struct {
	Staged    int
	Delivered int
	Skipped   int // changes that could not be rendered
	Attempts  int
	Connects  int // connect attempts, the lazy first one included
	Persisted bool
}

// Pipeline owns the sink connection across cycles. Not safe for concurrent
// use: cycles never overlap.
type Pipeline struct {
	sink      channels.Sink
	render    Renderer
	saver     Saver
	retry     RetryPolicy
	reconnect RetryPolicy
	postDelay time.Duration
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
	logger    *slog.Logger
	observe   func(Record)

	connected bool
	dirty     bool // mutations applied since the last successful save
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetry sets the policy between failed delivery attempts.
// Default: Forever(5s).
func WithRetry(p RetryPolicy) Option { return func(pl *Pipeline) { pl.retry = p } }

// WithReconnect sets the policy between failed reconnects.
// Default: Forever(1m).
func WithReconnect(p RetryPolicy) Option { return func(pl *Pipeline) { pl.reconnect = p } }

// WithPostDelay sets the pause after each delivered notification.
// Default: 5s.
func WithPostDelay(d time.Duration) Option { return func(pl *Pipeline) { pl.postDelay = d } }

// WithSleep replaces the sleeper (tests record instead of waiting).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(pl *Pipeline) { pl.sleep = fn }
}

// WithClock sets the clock used for delivery records.
func WithClock(now func() time.Time) Option { return func(pl *Pipeline) { pl.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(pl *Pipeline) { pl.logger = l } }

// WithObserver is called after every confirmed delivery.
func WithObserver(fn func(Record)) Option { return func(pl *Pipeline) { pl.observe = fn } }

// New creates a Pipeline. The sink is connected lazily on first use.
func New(sink channels.Sink, r Renderer, saver Saver, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:      sink,
		render:    r,
		saver:     saver,
		retry:     Forever(5 * time.Second),
		reconnect: Forever(time.Minute),
		postDelay: 5 * time.Second,
		sleep:     watch.Sleep,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Order returns changes oldest first. Listings show the newest item on
// top, so this is the reverse of detection order.
func Order(changes []detect.Change) []detect.Change {
	out := make([]detect.Change, len(changes))
	for i, c := range changes {
		out[len(changes)-1-i] = c
	}
	return out
}

// Run delivers changes (in detection order) and, when all were delivered,
// saves s if it holds unsaved mutations, this run's or an earlier one's.
// Mutations are applied to s as deliveries are confirmed. An error means
// the snapshot was not saved. s must be the same store on every call.
func (p *Pipeline) Run(ctx context.Context, changes []detect.Change, s *store.Store) (Report, error) {
	rep := Report{Staged: len(changes)}

	for i, c := range Order(changes) {
		log := p.logger.With("identity", c.Item.Identity, "kind", c.Kind().String(), "position", i+1, "of", len(changes))

		n, err := p.render.Render(c)
		if err != nil {
			rep.Skipped++
			log.Error("delivery: cannot render notification, skipping", "error", err)
			continue
		}

		attempts, err := p.deliver(ctx, n, &rep, log)
		rep.Attempts += attempts
		if err != nil {
			return rep, err
		}

		if err := s.Apply(c.Mutation); err != nil {
			log.Error("delivery: store mutation rejected", "error", err)
		} else {
			p.dirty = true
		}
		rep.Delivered++
		log.Info("delivery: delivered", "notification", n.ID, "attempts", attempts)
		if p.observe != nil {
			p.observe(Record{
				NotificationID: n.ID,
				Identity:       c.Item.Identity,
				Kind:           c.Kind(),
				Updates:        c.Mutation.Updates,
				Digest:         hex.EncodeToString(c.Mutation.Digest),
				Attempts:       attempts,
				Delivered:      p.now(),
			})
		}

		if err := p.sleep(ctx, p.postDelay); err != nil {
			return rep, err
		}
	}

	if !p.dirty {
		return rep, nil
	}
	if rep.Delivered == 0 {
		p.logger.Info("delivery: saving mutations left by an earlier run")
	}
	if err := p.saver.Save(ctx, s); err != nil {
		return rep, fmt.Errorf("delivery: save state: %w", err)
	}
	p.dirty = false
	rep.Persisted = true
	return rep, nil
}

// deliver blocks until n is accepted, the retry policy gives up, or ctx
// is done. It returns the number of delivery attempts.
func (p *Pipeline) deliver(ctx context.Context, n channels.Notification, rep *Report, log *slog.Logger) (int, error) {
	for attempt := 1; ; attempt++ {
		if !p.connected {
			if err := p.connect(ctx, rep); err != nil {
				return attempt - 1, err
			}
		}

		err := p.sink.Deliver(ctx, n)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		log.Warn("delivery: send failed, will reconnect", "attempt", attempt, "error", err)

		wait, ok := p.retry.Next(attempt)
		if !ok {
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempt, err)
		}
		// The platform's own flood-control delay is a floor.
		var apiErr *channels.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = max(wait, time.Duration(apiErr.RetryAfter)*time.Second)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return attempt, err
		}
		p.connected = false
	}
}

func (p *Pipeline) connect(ctx context.Context, rep *Report) error {
	for attempt := 1; ; attempt++ {
		rep.Connects++
		err := p.sink.Connect(ctx)
		if err == nil {
			p.connected = true
			p.logger.Info("delivery: sink connected", "platform", p.sink.Platform(), "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("delivery: connect failed", "platform", p.sink.Platform(), "attempt", attempt, "error", err)

		wait, ok := p.reconnect.Next(attempt)
		if !ok {
			return fmt.Errorf("%w connecting after %d attempts: %w", ErrGaveUp, attempt, err)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
