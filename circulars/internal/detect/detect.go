// Package detect decides, per cycle, which listed items are new and which
// known items changed content.
//
// Detection never touches the store: it returns staged changes, each with
// the mutation to apply once its notification has been delivered.
package detect

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/noticewatch/circulars/internal/fingerprint"
	"github.com/hazyhaar/noticewatch/circulars/internal/listing"
	"github.com/hazyhaar/noticewatch/circulars/internal/store"
	"github.com/hazyhaar/noticewatch/watch"
)

// Fingerprinter computes payload digests.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, urls []string) (fingerprint.Result, error)
}

// Change is a staged notification: the item, what happened to it, and the
// store mutation its delivery confirms.
type Change struct {
	Item     listing.Item
	Mutation store.Mutation
	Previous []byte // digest before an update
	Pages    int    // PDF pages across payloads
}

// Kind returns Announce or Update.
func (c Change) Kind() store.Kind { return c.Mutation.Kind }

// Stats summarises one detection pass.
type Stats struct {
	Listed     int // items handed in, duplicates included
	Duplicates int
	Inspected  int // items fingerprinted
	Skipped    int // fingerprint failures
	New        int
	Updated    int
	Unchanged  int
}

// Detector holds the per-mode policy.
type Detector struct {
	fp     Fingerprinter
	window int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow bounds verification to the first n listed items. n <= 0
// inspects every known item. Default: 50.
func WithWindow(n int) Option { return func(d *Detector) { d.window = n } }

// WithClock sets the clock used for first-seen times.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Detector) { d.logger = l } }

// New creates a Detector.
func New(fp Fingerprinter, opts ...Option) *Detector {
	d := &Detector{fp: fp, window: 50, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect inspects items in listing order and returns the staged changes in
// that same order. Items whose payloads cannot be fetched are skipped for
// this cycle. The only error returned is ctx's.
func (d *Detector) Detect(ctx context.Context, mode watch.Mode, items []listing.Item, s *store.Store) ([]Change, Stats, error) {
	st := Stats{Listed: len(items)}
	var changes []Change
	seen := make(map[string]bool, len(items))
	pos := 0

	for _, it := range items {
		if seen[it.Identity] {
			st.Duplicates++
			continue
		}
		seen[it.Identity] = true
		position := pos
		pos++

		if err := ctx.Err(); err != nil {
			return changes, st, err
		}

		var (
			c   Change
			ok  bool
			err error
		)
		switch mode {
		case watch.Verification:
			if d.window > 0 && position >= d.window {
				continue
			}
			c, ok, err = d.verify(ctx, it, s, &st)
		default:
			c, ok, err = d.discover(ctx, it, s, &st)
		}
		if err != nil {
			return changes, st, err
		}
		if ok {
			changes = append(changes, c)
		}
	}
	return changes, st, nil
}

func (d *Detector) discover(ctx context.Context, it listing.Item, s *store.Store, st *Stats) (Change, bool, error) {
	if s.Seen(it.Identity) {
		return Change{}, false, nil
	}
	res, ok, err := d.fingerprint(ctx, it, st)
	if !ok {
		return Change{}, false, err
	}
	st.New++
	d.logger.Info("detect: new item", "identity", it.Identity, "digest", res.Hex())
	return Change{
		Item: it,
		Mutation: store.Mutation{
			Kind:      store.Announce,
			Identity:  it.Identity,
			FirstSeen: d.now(),
			Digest:    res.Digest,
		},
		Pages: res.Pages,
	}, true, nil
}

func (d *Detector) verify(ctx context.Context, it listing.Item, s *store.Store, st *Stats) (Change, bool, error) {
	old, known := s.Digest(it.Identity)
	if !known {
		return Change{}, false, nil
	}
	res, ok, err := d.fingerprint(ctx, it, st)
	if !ok {
		return Change{}, false, err
	}
	if bytes.Equal(old, res.Digest) {
		st.Unchanged++
		return Change{}, false, nil
	}
	st.Updated++
	n := s.Updates(it.Identity) + 1
	d.logger.Info("detect: content changed", "identity", it.Identity, "update", n, "digest", res.Hex())
	return Change{
		Item: it,
		Mutation: store.Mutation{
			Kind:     store.Update,
			Identity: it.Identity,
			Digest:   res.Digest,
			Updates:  n,
		},
		Previous: old,
		Pages:    res.Pages,
	}, true, nil
}

// fingerprint returns ok=false with a nil error for a skipped item.
func (d *Detector) fingerprint(ctx context.Context, it listing.Item, st *Stats) (fingerprint.Result, bool, error) {
	st.Inspected++
	if len(it.Payloads) == 0 {
		// An item whose documents are missing from this listing would
		// otherwise fingerprint as empty input and look changed.
		st.Skipped++
		d.logger.Warn("detect: item lists no payloads, retrying next cycle", "identity", it.Identity)
		return fingerprint.Result{}, false, nil
	}
	res, err := d.fp.Fingerprint(ctx, it.Payloads)
	if err != nil {
		if ctx.Err() != nil {
			return res, false, ctx.Err()
		}
		st.Skipped++
		d.logger.Warn("detect: cannot fingerprint item, retrying next cycle",
			"identity", it.Identity, "error", err)
		return res, false, nil
	}
	return res, true, nil
}
