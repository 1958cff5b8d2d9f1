// Package state persists the fingerprint store as a single SQLite snapshot
// file with three independently readable sections (tables).
//
// Load never fails: a missing file is a first run, an unreadable file or
// section defaults to empty and is reported, so a snapshot written by an
// older release still yields whatever it has. Save writes a complete new
// file next to the old one and renames it into place, so a failed save
// leaves the previous snapshot intact.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hazyhaar/noticewatch/circulars/internal/store"
	"github.com/hazyhaar/noticewatch/dbopen"
)

// Report describes what Load managed to restore.
type Report struct {
	Missing    bool             // no snapshot file existed
	Unreadable map[string]error // section (or "file") -> reason
	FirstSeen  int
	Digests    int
	Updates    int
}

// Degraded reports whether any part of an existing snapshot was dropped.
func (r Report) Degraded() bool { return len(r.Unreadable) > 0 }

// File is a snapshot file on disk.
type File struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a File for path. The caller must blank-import the SQLite
// driver.
func New(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, logger: logger, now: time.Now}
}

// Path returns the snapshot location.
func (f *File) Path() string { return f.path }

// Load reads the snapshot. Unreadable parts are logged at WARN because
// they may lead to re-announcing items.
func (f *File) Load(ctx context.Context) (*store.Store, Report) {
	rep := Report{Unreadable: make(map[string]error)}

	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		rep.Missing = true
		f.logger.Info("state: no snapshot, starting empty", "path", f.path)
		return store.New(), rep
	}

	db, err := dbopen.Open(f.path, dbopen.WithJournalMode("DELETE"))
	if err != nil {
		rep.Unreadable["file"] = err
		f.logger.Warn("state: snapshot unreadable, starting empty", "path", f.path, "error", err)
		return store.New(), rep
	}
	defer db.Close()

	firstSeen, err := readFirstSeen(ctx, db)
	if err != nil {
		rep.Unreadable[SectionFirstSeen] = err
		firstSeen = nil
	}
	digests, err := readDigests(ctx, db)
	if err != nil {
		rep.Unreadable[SectionDigests] = err
		digests = nil
	}
	updates, err := readUpdates(ctx, db)
	if err != nil {
		rep.Unreadable[SectionUpdates] = err
		updates = nil
	}

	for section, reason := range rep.Unreadable {
		f.logger.Warn("state: section unreadable, defaulting to empty",
			"path", f.path, "section", section, "error", reason)
	}

	s := store.Sections(firstSeen, digests, updates)
	rep.FirstSeen = s.Len()
	rep.Digests = s.DigestCount()
	rep.Updates = len(updates)
	f.logger.Info("state: loaded", "path", f.path,
		"identities", rep.FirstSeen, "digests", rep.Digests, "updates", rep.Updates)
	return s, rep
}

// Save writes s as a complete snapshot, replacing the previous one
// atomically.
func (f *File) Save(ctx context.Context, s *store.Store) error {
	tmp := f.path + ".tmp"
	removeSnapshotFiles(tmp)

	if err := f.write(ctx, tmp, s); err != nil {
		removeSnapshotFiles(tmp)
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		removeSnapshotFiles(tmp)
		return fmt.Errorf("state: rename snapshot: %w", err)
	}
	f.logger.Debug("state: saved", "path", f.path, "identities", s.Len())
	return nil
}

func (f *File) write(ctx context.Context, path string, s *store.Store) error {
	db, err := dbopen.Open(path,
		dbopen.WithJournalMode("DELETE"),
		dbopen.WithSynchronous("FULL"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(schema),
	)
	if err != nil {
		return fmt.Errorf("state: create snapshot: %w", err)
	}

	err = f.writeSections(ctx, db, s)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("state: close snapshot: %w", cerr)
	}
	return err
}

// writeSections fills a fresh snapshot in one transaction. The file is
// private to this process until renamed, so there is no lock contention
// to retry on.
func (f *File) writeSections(ctx context.Context, db *sql.DB, s *store.Store) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if err := writeFirstSeen(ctx, tx, s.FirstSeenSection()); err != nil {
		return err
	}
	if err := writeDigests(ctx, tx, s.DigestSection()); err != nil {
		return err
	}
	if err := writeUpdates(ctx, tx, s.UpdateSection()); err != nil {
		return err
	}
	err = writeMeta(ctx, tx, map[string]string{
		"schema_version": strconv.Itoa(SchemaVersion),
		"saved_at":       f.now().UTC().Format(time.RFC3339Nano),
		"identities":     strconv.Itoa(s.Len()),
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit snapshot: %w", err)
	}
	return nil
}

func removeSnapshotFiles(path string) {
	os.Remove(path)
	os.Remove(path + "-journal")
}
