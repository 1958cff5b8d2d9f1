package store

import (
	"bytes"
	"testing"
	"time"
)

var t0 = time.Date(2024, 9, 12, 8, 30, 0, 0, time.UTC)

func TestApply_Announce(t *testing.T) {
	s := New()
	err := s.Apply(Mutation{Kind: Announce, Identity: "/c/1.pdf", FirstSeen: t0, Digest: []byte{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Seen("/c/1.pdf") {
		t.Fatal("identity should be seen")
	}
	e, ok := s.Get("/c/1.pdf")
	if !ok {
		t.Fatal("entry missing")
	}
	if !e.FirstSeen.Equal(t0) || !bytes.Equal(e.Digest, []byte{1, 2}) || e.Updates != 0 {
		t.Fatalf("entry: %+v", e)
	}
	if s.Len() != 1 || s.DigestCount() != 1 {
		t.Fatalf("len=%d digests=%d", s.Len(), s.DigestCount())
	}
}

func TestApply_AnnounceKeepsFirstSeen(t *testing.T) {
	// WHAT: A second announce of the same identity does not move first-seen.
	// WHY: firstSeenAt is set once and never mutated.
	s := New()
	s.Apply(Mutation{Kind: Announce, Identity: "a", FirstSeen: t0, Digest: []byte{1}})
	s.Apply(Mutation{Kind: Announce, Identity: "a", FirstSeen: t0.Add(time.Hour), Digest: []byte{1}})
	e, _ := s.Get("a")
	if !e.FirstSeen.Equal(t0) {
		t.Fatalf("first seen moved to %v", e.FirstSeen)
	}
}

func TestApply_Update(t *testing.T) {
	s := Sections(
		map[string]time.Time{"x": t0},
		map[string][]byte{"x": {0xd1}},
		map[string]int{"x": 2},
	)
	if err := s.Apply(Mutation{Kind: Update, Identity: "x", Digest: []byte{0xd2}, Updates: 3}); err != nil {
		t.Fatal(err)
	}
	d, _ := s.Digest("x")
	if !bytes.Equal(d, []byte{0xd2}) {
		t.Fatalf("digest = %x", d)
	}
	if s.Updates("x") != 3 {
		t.Fatalf("updates = %d", s.Updates("x"))
	}
	e, _ := s.Get("x")
	if !e.FirstSeen.Equal(t0) {
		t.Fatal("update must not touch first seen")
	}
}

func TestApply_UpdateNeverDecreases(t *testing.T) {
	s := Sections(nil, map[string][]byte{"x": {1}}, map[string]int{"x": 4})
	if err := s.Apply(Mutation{Kind: Update, Identity: "x", Digest: []byte{2}, Updates: 3}); err == nil {
		t.Fatal("expected error for decreasing count")
	}
	if s.Updates("x") != 4 {
		t.Fatalf("updates = %d", s.Updates("x"))
	}
}

func TestApply_Invalid(t *testing.T) {
	s := New()
	if err := s.Apply(Mutation{Kind: Announce, FirstSeen: t0}); err == nil {
		t.Fatal("expected error for empty identity")
	}
	if err := s.Apply(Mutation{Kind: Announce, Identity: "a"}); err == nil {
		t.Fatal("expected error for zero first seen")
	}
	if s.Len() != 0 {
		t.Fatal("invalid mutations must not change the store")
	}
}

func TestPartialSections(t *testing.T) {
	// WHAT: A digest without a first-seen record is not "seen".
	// WHY: Discovery keys on the first-seen section, as a partially
	// readable snapshot can leave the sections out of step.
	s := Sections(nil, map[string][]byte{"x": {1}}, nil)
	if s.Seen("x") {
		t.Fatal("x should not be seen")
	}
	e, ok := s.Get("x")
	if !ok || e.Known() {
		t.Fatalf("entry: %+v ok=%v", e, ok)
	}
	if s.Len() != 0 || s.DigestCount() != 1 {
		t.Fatalf("sections: %d first-seen, %d digests", s.Len(), s.DigestCount())
	}
}

func TestCloneAndEqual(t *testing.T) {
	s := New()
	s.Apply(Mutation{Kind: Announce, Identity: "a", FirstSeen: t0, Digest: []byte{1}})
	c := s.Clone()
	if !s.Equal(c) {
		t.Fatal("clone should be equal")
	}
	c.Apply(Mutation{Kind: Update, Identity: "a", Digest: []byte{2}, Updates: 1})
	if s.Equal(c) {
		t.Fatal("mutating the clone must not affect the original")
	}
	if d, _ := s.Digest("a"); !bytes.Equal(d, []byte{1}) {
		t.Fatalf("original digest changed: %x", d)
	}
}
