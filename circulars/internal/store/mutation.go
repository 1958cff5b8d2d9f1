package store

import (
	"bytes"
	"fmt"
	"time"
)

// Kind distinguishes the two mutations a confirmed delivery can imply.
type Kind int

const (
	// Announce records a newly announced identity.
	Announce Kind = iota
	// Update replaces the digest of a known identity and bumps its count.
	Update
)

func (k Kind) String() string {
	if k == Update {
		return "update"
	}
	return "new"
}

// Mutation is the store change staged alongside a notification. It is
// applied only once that notification is confirmed delivered.
type Mutation struct {
	Kind      Kind
	Identity  string
	FirstSeen time.Time // Announce only
	Digest    []byte
	Updates   int // resulting update count: 0 for Announce, stored+1 for Update
}

// Apply commits m. An Announce never overwrites an existing first-seen
// time, and update counts never decrease.
func (s *Store) Apply(m Mutation) error {
	if m.Identity == "" {
		return fmt.Errorf("store: mutation without identity")
	}
	switch m.Kind {
	case Announce:
		if m.FirstSeen.IsZero() {
			return fmt.Errorf("store: announce of %s without first-seen time", m.Identity)
		}
		if _, ok := s.firstSeen[m.Identity]; !ok {
			s.firstSeen[m.Identity] = m.FirstSeen
		}
	case Update:
		if m.Updates < s.updates[m.Identity] {
			return fmt.Errorf("store: update count for %s would go from %d to %d",
				m.Identity, s.updates[m.Identity], m.Updates)
		}
	default:
		return fmt.Errorf("store: unknown mutation kind %d", m.Kind)
	}
	s.digests[m.Identity] = bytes.Clone(m.Digest)
	if m.Updates > 0 {
		s.updates[m.Identity] = m.Updates
	}
	return nil
}
