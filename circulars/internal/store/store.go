// Package store holds the fingerprint store: what noticewatch knows about
// every item it has announced. It is pure data with no I/O; persistence
// lives in the state package.
//
// The store is three independent maps rather than one map of records,
// because the snapshot format keeps them as independently readable sections
// and a partially readable snapshot yields a partially populated store:
// an identity may be known (first-seen) without a digest, or the reverse.
package store

import (
	"bytes"
	"time"
)

// Entry is the tracking metadata of one identity.
type Entry struct {
	FirstSeen time.Time
	Digest    []byte // nil when the digest section was unreadable
	Updates   int
}

// Known reports whether the entry came from a first-seen record.
func (e Entry) Known() bool { return !e.FirstSeen.IsZero() }

// Store maps item identity to tracking metadata. Not safe for concurrent
// use: a single cycle owns it at a time.
type Store struct {
	firstSeen map[string]time.Time
	digests   map[string][]byte
	updates   map[string]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		firstSeen: make(map[string]time.Time),
		digests:   make(map[string][]byte),
		updates:   make(map[string]int),
	}
}

// Sections builds a Store from the three persisted sections. Nil maps are
// treated as empty. The maps are copied.
func Sections(firstSeen map[string]time.Time, digests map[string][]byte, updates map[string]int) *Store {
	s := New()
	for id, t := range firstSeen {
		s.firstSeen[id] = t
	}
	for id, d := range digests {
		s.digests[id] = bytes.Clone(d)
	}
	for id, n := range updates {
		if n > 0 {
			s.updates[id] = n
		}
	}
	return s
}

// Seen reports whether identity has a first-seen record, i.e. it has been
// announced at least once.
func (s *Store) Seen(identity string) bool {
	_, ok := s.firstSeen[identity]
	return ok
}

// Digest returns the stored digest for identity.
func (s *Store) Digest(identity string) ([]byte, bool) {
	d, ok := s.digests[identity]
	return d, ok
}

// Updates returns the confirmed update count for identity (0 if none).
func (s *Store) Updates(identity string) int {
	return s.updates[identity]
}

// Get returns everything recorded for identity.
func (s *Store) Get(identity string) (Entry, bool) {
	fs, okSeen := s.firstSeen[identity]
	d, okDigest := s.digests[identity]
	if !okSeen && !okDigest {
		return Entry{}, false
	}
	return Entry{FirstSeen: fs, Digest: d, Updates: s.updates[identity]}, true
}

// Len returns the number of known (first-seen) identities.
func (s *Store) Len() int { return len(s.firstSeen) }

// DigestCount returns the number of identities with a stored digest.
func (s *Store) DigestCount() int { return len(s.digests) }

// FirstSeenSection returns a copy of the identity -> first-seen section.
func (s *Store) FirstSeenSection() map[string]time.Time {
	out := make(map[string]time.Time, len(s.firstSeen))
	for id, t := range s.firstSeen {
		out[id] = t
	}
	return out
}

// DigestSection returns a copy of the identity -> digest section.
func (s *Store) DigestSection() map[string][]byte {
	out := make(map[string][]byte, len(s.digests))
	for id, d := range s.digests {
		out[id] = bytes.Clone(d)
	}
	return out
}

// UpdateSection returns a copy of the identity -> update count section.
func (s *Store) UpdateSection() map[string]int {
	out := make(map[string]int, len(s.updates))
	for id, n := range s.updates {
		out[id] = n
	}
	return out
}

// Clone returns a deep copy.
func (s *Store) Clone() *Store {
	return Sections(s.firstSeen, s.digests, s.updates)
}

// Equal reports whether two stores hold the same identities, first-seen
// times, digests and update counts.
func (s *Store) Equal(o *Store) bool {
	if len(s.firstSeen) != len(o.firstSeen) || len(s.digests) != len(o.digests) || len(s.updates) != len(o.updates) {
		return false
	}
	for id, t := range s.firstSeen {
		ot, ok := o.firstSeen[id]
		if !ok || !t.Equal(ot) {
			return false
		}
	}
	for id, d := range s.digests {
		od, ok := o.digests[id]
		if !ok || !bytes.Equal(d, od) {
			return false
		}
	}
	for id, n := range s.updates {
		if o.updates[id] != n {
			return false
		}
	}
	return true
}
