package circulars

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hazyhaar/noticewatch/dbopen"
	"github.com/hazyhaar/noticewatch/observability"
)

// ErrNoJournal is returned by ReadStatus when journal_path is not set or
// the journal does not exist yet.
var ErrNoJournal = errors.New("circulars: no journal")

// Status is an operator's view of a running or past noticewatch process.
type Status struct {
	Heartbeat  *observability.HeartbeatStatus `json:"heartbeat"`
	Cycles     []observability.CycleRun       `json:"cycles"`
	Deliveries []observability.Delivery       `json:"deliveries,omitempty"`
}

// ReadStatus reads the latest heartbeat and the last cycles from the
// journal. With a non-empty identity it also returns the delivery history
// of that notice.
func ReadStatus(ctx context.Context, cfg *Config, cycles int, identity string) (*Status, error) {
	if cfg.JournalPath == "" {
		return nil, ErrNoJournal
	}
	if _, err := os.Stat(cfg.JournalPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoJournal, err)
	}
	db, err := dbopen.Open(cfg.JournalPath, dbopen.WithSchema(observability.Schema))
	if err != nil {
		return nil, fmt.Errorf("circulars: open journal: %w", err)
	}
	defer db.Close()

	var st Status
	// Three missed heartbeats mean the process is gone.
	st.Heartbeat, err = observability.LatestHeartbeat(ctx, db, WorkerName, 3*cfg.HeartbeatInterval)
	if err != nil {
		return nil, err
	}
	if st.Cycles, err = observability.RecentCycles(ctx, db, cycles); err != nil {
		return nil, err
	}
	if identity != "" {
		if st.Deliveries, err = observability.DeliveriesFor(ctx, db, identity); err != nil {
			return nil, err
		}
	}
	return &st, nil
}
