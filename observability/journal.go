package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/noticewatch/idgen"
)

// CycleRun is the outcome of one polling cycle.
type CycleRun struct {
	RunID     string        `json:"run_id"` // generated when empty
	Index     int64         `json:"index"`
	Mode      string        `json:"mode"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Pages     int           `json:"pages"`
	Items     int           `json:"items"`
	Changes   int           `json:"changes"`
	Delivered int           `json:"delivered"`
	Skipped   int           `json:"skipped"`
	Persisted bool          `json:"persisted"`
	Status    string        `json:"status"` // "ok", "partial", "failed", "cancelled"
	Error     string        `json:"error,omitempty"`
}

// Delivery is one confirmed notification.
type Delivery struct {
	RunID          string    `json:"run_id"`
	NotificationID string    `json:"notification_id"`
	Identity       string    `json:"identity"`
	Kind           string    `json:"kind"`
	Updates        int       `json:"updates"`
	Digest         string    `json:"digest"`
	Attempts       int       `json:"attempts"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// Recorder receives journal entries. Implementations must not block the
// cycle on their own failures.
type Recorder interface {
	RecordCycle(ctx context.Context, run CycleRun) string
	RecordDelivery(ctx context.Context, d Delivery)
}

// Nop discards everything. Used when no journal is configured.
type Nop struct{}

// RecordCycle returns the run ID it would have used.
func (Nop) RecordCycle(_ context.Context, run CycleRun) string { return run.RunID }

// RecordDelivery does nothing.
func (Nop) RecordDelivery(context.Context, Delivery) {}

// Journal writes cycle runs and deliveries to SQLite.
type Journal struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithIDGenerator sets a custom ID generator for row IDs.
func WithIDGenerator(gen idgen.Generator) JournalOption {
	return func(j *Journal) { j.newID = gen }
}

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// NewJournal creates a journal backed by db. Call Init first.
func NewJournal(db *sql.DB, opts ...JournalOption) *Journal {
	j := &Journal{
		db:     db,
		newID:  idgen.Default,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// NewRunID returns a fresh cycle run ID.
func (j *Journal) NewRunID() string { return "run_" + j.newID() }

// RecordCycle inserts run and returns its ID. Errors are logged, not
// returned: a failing journal never blocks a cycle.
func (j *Journal) RecordCycle(ctx context.Context, run CycleRun) string {
	if run.RunID == "" {
		run.RunID = j.NewRunID()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO cycle_runs (
			run_id, cycle_index, mode, started_at, duration_ms, pages, items,
			changes, delivered, skipped, persisted, status, error_message
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.Index, run.Mode, run.Started.Unix(), run.Duration.Milliseconds(),
		run.Pages, run.Items, run.Changes, run.Delivered, run.Skipped, run.Persisted,
		run.Status, nullable(run.Error))
	if err != nil {
		j.logger.Error("observability: cycle record failed", "error", err, "cycle", run.Index)
	}
	return run.RunID
}

// RecordDelivery inserts d. Errors are logged, not returned.
func (j *Journal) RecordDelivery(ctx context.Context, d Delivery) {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO deliveries (
			delivery_id, run_id, notification_id, identity, kind,
			update_count, digest, attempts, delivered_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		"dlv_"+j.newID(), nullable(d.RunID), d.NotificationID, d.Identity, d.Kind,
		d.Updates, d.Digest, d.Attempts, d.DeliveredAt.Unix())
	if err != nil {
		j.logger.Error("observability: delivery record failed", "error", err, "identity", d.Identity)
	}
}

// RecentCycles returns the latest runs, newest first.
func RecentCycles(ctx context.Context, db *sql.DB, limit int) ([]CycleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, cycle_index, mode, started_at, duration_ms, pages, items,
		       changes, delivered, skipped, persisted, status, COALESCE(error_message, '')
		FROM cycle_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycle runs: %w", err)
	}
	defer rows.Close()

	var out []CycleRun
	for rows.Next() {
		var r CycleRun
		var started, durMS int64
		if err := rows.Scan(&r.RunID, &r.Index, &r.Mode, &started, &durMS, &r.Pages, &r.Items,
			&r.Changes, &r.Delivered, &r.Skipped, &r.Persisted, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("scan cycle run: %w", err)
		}
		r.Started = time.Unix(started, 0)
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeliveriesFor returns the deliveries of identity, oldest first.
func DeliveriesFor(ctx context.Context, db *sql.DB, identity string) ([]Delivery, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT COALESCE(run_id, ''), notification_id, identity, kind, update_count,
		       digest, attempts, delivered_at
		FROM deliveries WHERE identity = ? ORDER BY delivered_at, rowid`, identity)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var at int64
		if err := rows.Scan(&d.RunID, &d.NotificationID, &d.Identity, &d.Kind, &d.Updates,
			&d.Digest, &d.Attempts, &at); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.DeliveredAt = time.Unix(at, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero keeps a
// table forever.
type RetentionConfig struct {
	CycleRunsDays  int
	DeliveriesDays int
	HeartbeatsDays int
}

// RetainAll keeps every table for days.
func RetainAll(days int) RetentionConfig {
	return RetentionConfig{CycleRunsDays: days, DeliveriesDays: days, HeartbeatsDays: days}
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()
	targets := []struct {
		query string
		days  int
	}{
		{"DELETE FROM cycle_runs WHERE started_at < ?", cfg.CycleRunsDays},
		{"DELETE FROM deliveries WHERE delivered_at < ?", cfg.DeliveriesDays},
		{"DELETE FROM worker_heartbeats WHERE timestamp < ?", cfg.HeartbeatsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days).Unix()
		if _, err := db.ExecContext(ctx, t.query, cutoff); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
