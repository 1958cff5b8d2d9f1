// Package circulars watches a paginated listing of official notices and
// announces new and changed notices to a chat sink.
//
// A Service owns one listing, one state file and one sink. Cycles run one
// after another: discovery cycles look for identities never seen before,
// every Nth cycle re-fingerprints the recent part of the listing to catch
// silent updates. State is persisted only after every staged notification
// of a cycle was delivered.
package circulars

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/noticewatch/channels"
	"github.com/hazyhaar/noticewatch/circulars/internal/delivery"
	"github.com/hazyhaar/noticewatch/circulars/internal/detect"
	"github.com/hazyhaar/noticewatch/circulars/internal/fetch"
	"github.com/hazyhaar/noticewatch/circulars/internal/fingerprint"
	"github.com/hazyhaar/noticewatch/circulars/internal/listing"
	"github.com/hazyhaar/noticewatch/circulars/internal/render"
	"github.com/hazyhaar/noticewatch/circulars/internal/state"
	"github.com/hazyhaar/noticewatch/circulars/internal/store"
	"github.com/hazyhaar/noticewatch/dbopen"
	"github.com/hazyhaar/noticewatch/idgen"
	"github.com/hazyhaar/noticewatch/observability"
	"github.com/hazyhaar/noticewatch/watch"
)

// Item is one row of the listing.
type Item = listing.Item

// Source lists items page by page. Pages are numbered from 1.
type Source interface {
	FetchPage(ctx context.Context, page int) ([]Item, error)
}

// Mode is the kind of a cycle.
type Mode = watch.Mode

// Cycle modes.
const (
	Discovery    = watch.Discovery
	Verification = watch.Verification
)

// WorkerName identifies noticewatch heartbeats in the journal.
const WorkerName = "noticewatch"

// Service is the noticewatch orchestrator.
type Service struct {
	cfg      *Config
	logger   *slog.Logger
	source   Source
	detector *detect.Detector
	pipeline *delivery.Pipeline
	sink     channels.Sink
	state    *state.File
	store    *store.Store
	sched    *watch.Scheduler

	recorder  observability.Recorder
	journalDB *sql.DB
	heartbeat *observability.HeartbeatWriter
	runIDs    idgen.Generator
	runID     string // current cycle, read by the delivery observer

	// options
	forceMode    *Mode
	sinkOverride channels.Sink
	httpClient   *http.Client
	transport    http.RoundTripper
	urlValidator func(string) error
	output       io.Writer
	sleep        func(context.Context, time.Duration) error
	now          func() time.Time
	retry        delivery.RetryPolicy
	reconnect    delivery.RetryPolicy
	ids          idgen.Generator
}

// Option configures a Service.
type Option func(*Service)

// WithSource replaces the HTML listing source.
func WithSource(src Source) Option { return func(s *Service) { s.source = src } }

// WithSink replaces the sink built from the configuration.
func WithSink(sink channels.Sink) Option { return func(s *Service) { s.sinkOverride = sink } }

// WithHTTPClient sets the client used by HTTP sinks.
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

// WithTransport sets the transport used to fetch the listing and payloads.
func WithTransport(rt http.RoundTripper) Option { return func(s *Service) { s.transport = rt } }

// WithURLValidator overrides the SSRF guard applied to fetched URLs.
// Tests against httptest servers pass a permissive validator.
func WithURLValidator(fn func(string) error) Option {
	return func(s *Service) { s.urlValidator = fn }
}

// WithOutput sets the writer of the stdout sink.
func WithOutput(w io.Writer) Option { return func(s *Service) { s.output = w } }

// WithForceMode runs every cycle in mode m.
func WithForceMode(m Mode) Option { return func(s *Service) { s.forceMode = &m } }

// WithSleep replaces every courtesy, retry and interval sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRetry overrides the delivery retry policy built from the config.
func WithRetry(p delivery.RetryPolicy) Option { return func(s *Service) { s.retry = p } }

// WithReconnect overrides the reconnect policy built from the config.
func WithReconnect(p delivery.RetryPolicy) Option { return func(s *Service) { s.reconnect = p } }

// WithRecorder replaces the journal.
func WithRecorder(r observability.Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithIDGenerator sets the generator behind message and run IDs.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Service) { s.ids = g } }

// New validates cfg, loads the state file and wires every component. The
// sink is not contacted until the first delivery.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  watch.Sleep,
		ids:    idgen.Default,
	}
	for _, o := range opts {
		o(s)
	}
	if s.retry == nil {
		s.retry = delivery.Forever(cfg.Delivery.RetryDelay)
	}
	if s.reconnect == nil {
		s.reconnect = delivery.Forever(cfg.Delivery.ReconnectDelay)
	}
	s.runIDs = idgen.Prefixed("run_", s.ids)

	f := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxBytes:     cfg.Fetch.MaxBytes,
		UserAgent:    cfg.Fetch.UserAgent,
		URLValidator: s.urlValidator,
		Transport:    s.transport,
	})

	if s.source == nil {
		src, err := listing.NewHTMLSource(listing.Config{
			URL:                  cfg.Listing.URL,
			Selectors:            cfg.Listing.Selectors,
			SchoolYearStartMonth: time.Month(cfg.Listing.SchoolYearStartMonth),
		}, f, listing.WithClock(s.now), listing.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		s.source = src
	}

	fp := fingerprint.New(f,
		fingerprint.WithDelay(cfg.PayloadDelay),
		fingerprint.WithSleep(s.sleep),
		fingerprint.WithLogger(logger))
	s.detector = detect.New(fp,
		detect.WithWindow(cfg.VerifyWindow),
		detect.WithClock(s.now),
		detect.WithLogger(logger))

	r, err := render.New(cfg.Templates,
		render.WithClock(s.now),
		render.WithIDGenerator(idgen.Prefixed("msg_", s.ids)))
	if err != nil {
		return nil, fmt.Errorf("%w: templates: %w", ErrInvalidConfig, err)
	}

	s.sink = s.sinkOverride
	if s.sink == nil {
		sink, err := channels.New(cfg.Sink,
			channels.WithHTTPClient(s.httpClient),
			channels.WithOutput(s.output))
		if err != nil {
			return nil, fmt.Errorf("%w: sink: %w", ErrInvalidConfig, err)
		}
		s.sink = sink
	}

	if s.recorder == nil {
		if cfg.JournalPath != "" {
			db, err := dbopen.Open(cfg.JournalPath,
				dbopen.WithMkdirAll(),
				dbopen.WithSchema(observability.Schema))
			if err != nil {
				return nil, fmt.Errorf("circulars: open journal: %w", err)
			}
			s.journalDB = db
			s.recorder = observability.NewJournal(db,
				observability.WithIDGenerator(s.ids),
				observability.WithLogger(logger))
		} else {
			s.recorder = observability.Nop{}
		}
	}

	s.state = state.New(cfg.StatePath, logger)
	st, rep := s.state.Load(ctx)
	s.store = st
	logger.Info("circulars: state loaded",
		"path", cfg.StatePath,
		"identities", rep.FirstSeen,
		"digests", rep.Digests,
		"updates", rep.Updates,
		"degraded", rep.Degraded())

	s.pipeline = delivery.New(s.sink, r, s.state,
		delivery.WithRetry(s.retry),
		delivery.WithReconnect(s.reconnect),
		delivery.WithPostDelay(cfg.Delivery.PostDelay),
		delivery.WithSleep(s.sleep),
		delivery.WithClock(s.now),
		delivery.WithLogger(logger),
		delivery.WithObserver(s.observeDelivery))

	s.sched = watch.New(watch.Options{
		Interval:    cfg.Interval,
		VerifyEvery: cfg.VerifyEvery,
		Force:       s.forceMode,
		Logger:      logger,
		Clock:       s.now,
		Sleep:       s.sleep,
	})

	if s.journalDB != nil {
		hbOpts := []observability.HeartbeatOption{observability.WithHeartbeatLogger(logger)}
		if cfg.JournalRetentionDays > 0 {
			hbOpts = append(hbOpts, observability.WithRetention(observability.RetainAll(cfg.JournalRetentionDays)))
		}
		s.heartbeat = observability.NewHeartbeatWriter(s.journalDB, WorkerName, cfg.HeartbeatInterval, func() (int64, int64) {
			st := s.sched.Stats()
			return st.Cycles, st.Failures
		}, hbOpts...)
	}

	return s, nil
}

// Run executes cycles until ctx is cancelled. It returns nil on
// cancellation.
func (s *Service) Run(ctx context.Context) error {
	if s.heartbeat != nil {
		s.heartbeat.Start(ctx)
		defer s.heartbeat.Stop()
	}
	return s.sched.Run(ctx, s.ExecuteCycle)
}

// RunOnce executes a single cycle, in the forced mode if one was set and
// as cycle 1 (discovery) otherwise.
func (s *Service) RunOnce(ctx context.Context) {
	s.sched.Once(ctx, s.ExecuteCycle)
}

// Stats returns the scheduler counters.
func (s *Service) Stats() watch.Stats { return s.sched.Stats() }

// Known reports whether identity has been announced.
func (s *Service) Known(identity string) bool { return s.store.Seen(identity) }

// Updates returns the number of update notifications sent for identity.
func (s *Service) Updates(identity string) int { return s.store.Updates(identity) }

// Close releases the sink and the journal.
func (s *Service) Close() error {
	var errs []error
	if err := s.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	if s.journalDB != nil {
		if err := s.journalDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ExecuteCycle lists the source, detects changes in mode c.Mode and
// delivers them. Per-item fetch failures are logged and skipped; an error
// is returned only when no page could be listed or delivery could not
// complete. A cancelled cycle returns nil and persists nothing.
func (s *Service) ExecuteCycle(ctx context.Context, c watch.Cycle) error {
	s.runID = s.runIDs()
	run := observability.CycleRun{
		RunID:   s.runID,
		Index:   c.Index,
		Mode:    c.Mode.String(),
		Started: c.Started,
	}
	log := s.logger.With("cycle", c.Index, "mode", c.Mode.String(), "run", s.runID)

	err := s.executeCycle(ctx, c, &run, log)
	run.Duration = s.now().Sub(c.Started)
	switch {
	case err != nil && ctx.Err() != nil:
		run.Status = "cancelled"
		run.Error = ctx.Err().Error()
		err = nil
		log.Info("circulars: cycle interrupted, state not saved", "delivered", run.Delivered)
	case err != nil:
		run.Status = "failed"
		run.Error = err.Error()
	case run.Changes > run.Delivered+run.Skipped || (run.Changes > 0 && !run.Persisted):
		run.Status = "partial"
	default:
		run.Status = "ok"
	}
	// The journal outlives a cancelled cycle context.
	s.recorder.RecordCycle(context.WithoutCancel(ctx), run)
	return err
}

func (s *Service) executeCycle(ctx context.Context, c watch.Cycle, run *observability.CycleRun, log *slog.Logger) error {
	items, pages, err := s.list(ctx, log)
	run.Pages = pages
	if err != nil {
		return err
	}
	if s.cfg.MaxItems > 0 && len(items) > s.cfg.MaxItems {
		items = items[:s.cfg.MaxItems]
	}
	run.Items = len(items)

	changes, dst, err := s.detector.Detect(ctx, c.Mode, items, s.store)
	if err != nil {
		return err
	}
	run.Changes = len(changes)
	log.Info("circulars: detection done",
		"listed", dst.Listed,
		"inspected", dst.Inspected,
		"skipped", dst.Skipped,
		"new", dst.New,
		"updated", dst.Updated)

	// Run even with no changes: it saves mutations an earlier cycle
	// delivered but could not persist.
	rep, err := s.pipeline.Run(ctx, changes, s.store)
	run.Delivered = rep.Delivered
	run.Skipped = rep.Skipped
	run.Persisted = rep.Persisted
	if err != nil {
		return err
	}
	if rep.Staged > 0 || rep.Persisted {
		log.Info("circulars: cycle delivered",
			"delivered", rep.Delivered,
			"attempts", rep.Attempts,
			"persisted", rep.Persisted)
	}
	return nil
}

// list collects pages 1..Pages. A failing page is skipped; only a cycle
// where every page failed is an error.
func (s *Service) list(ctx context.Context, log *slog.Logger) ([]Item, int, error) {
	var (
		items   []Item
		fetched int
		lastErr error
	)
	for page := 1; page <= s.cfg.Listing.Pages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, fetched, err
		}
		got, err := s.source.FetchPage(ctx, page)
		if err != nil {
			lastErr = err
			log.Warn("circulars: listing page unavailable", "page", page, "error", err)
			continue
		}
		fetched++
		items = append(items, got...)
	}
	if fetched == 0 {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %w", ErrSourceUnavailable, lastErr)
	}
	return items, fetched, nil
}

func (s *Service) observeDelivery(r delivery.Record) {
	s.recorder.RecordDelivery(context.Background(), observability.Delivery{
		RunID:          s.runID,
		NotificationID: r.NotificationID,
		Identity:       r.Identity,
		Kind:           r.Kind.String(),
		Updates:        r.Updates,
		Digest:         r.Digest,
		Attempts:       r.Attempts,
		DeliveredAt:    r.Delivered,
	})
}
