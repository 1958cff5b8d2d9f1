// Package fingerprint reduces the payloads of an item to a single digest.
//
// Each payload is hashed with SHA-256, the per-payload digests are
// concatenated in listing order, and the concatenation is hashed again.
// Any failed fetch fails the whole fingerprint: a bundle that was only
// partly retrieved must never be reported as unchanged.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/noticewatch/watch"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// ErrFetch is returned when any payload could not be retrieved.
var ErrFetch = errors.New("fingerprint: payload fetch failed")

// Fetcher retrieves raw payload bytes.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Result is a computed fingerprint.
type Result struct {
	Digest   []byte
	Payloads int
	Pages    int // total PDF pages across payloads, 0 when none are PDFs
}

// Hex returns the digest in lowercase hex.
func (r Result) Hex() string { return hex.EncodeToString(r.Digest) }

// Fingerprinter computes digests with a courtesy delay between fetches.
type Fingerprinter struct {
	fetcher Fetcher
	delay   time.Duration
	sleep   func(context.Context, time.Duration) error
	logger  *slog.Logger
}

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithDelay sets the pause after every payload fetch. Default: 3s.
func WithDelay(d time.Duration) Option {
	return func(f *Fingerprinter) { f.delay = d }
}

// WithSleep replaces the sleeper (tests use a recorder).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(f *Fingerprinter) { f.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fingerprinter) { f.logger = l }
}

// New creates a Fingerprinter backed by fetcher.
func New(fetcher Fetcher, opts ...Option) *Fingerprinter {
	f := &Fingerprinter{
		fetcher: fetcher,
		delay:   3 * time.Second,
		sleep:   watch.Sleep,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fingerprint fetches every url in order and returns the combined digest.
// An empty list yields the digest of empty input.
func (f *Fingerprinter) Fingerprint(ctx context.Context, urls []string) (Result, error) {
	acc := make([]byte, 0, len(urls)*Size)
	pages := 0
	for _, u := range urls {
		body, err := f.fetcher.Get(ctx, u)
		if err != nil {
			f.logger.Debug("fingerprint: fetch failed", "url", u, "error", err)
			return Result{}, fmt.Errorf("%w: %s: %v", ErrFetch, u, err)
		}
		sum := sha256.Sum256(body)
		acc = append(acc, sum[:]...)
		pages += PageCount(body)

		if err := f.sleep(ctx, f.delay); err != nil {
			return Result{}, err
		}
	}
	final := sha256.Sum256(acc)
	return Result{Digest: final[:], Payloads: len(urls), Pages: pages}, nil
}

// Digest computes the fingerprint of already retrieved payloads.
func Digest(payloads ...[]byte) []byte {
	acc := make([]byte, 0, len(payloads)*Size)
	for _, p := range payloads {
		sum := sha256.Sum256(p)
		acc = append(acc, sum[:]...)
	}
	final := sha256.Sum256(acc)
	return final[:]
}
