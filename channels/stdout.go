package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Writer prints notifications as Markdown. Used for dry runs.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	status Status
}

// NewWriter returns a Writer sink on w (os.Stdout when nil).
func NewWriter(w io.Writer) *Writer {
	if w == nil {
		w = os.Stdout
	}
	return &Writer{w: w, status: Status{Platform: "stdout"}}
}

// Platform returns "stdout".
func (s *Writer) Platform() string { return "stdout" }

// Connect always succeeds.
func (s *Writer) Connect(context.Context) error {
	s.mu.Lock()
	s.status.Connected = true
	s.mu.Unlock()
	return nil
}

// Deliver writes n followed by a blank line.
func (s *Writer) Deliver(_ context.Context, n Notification) error {
	md, err := Markdown(n.HTML)
	if err != nil {
		return &ErrSendFailed{Sink: n.ID, Platform: "stdout", Cause: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "--- %s %s\n%s\n\n", n.Kind, n.Identity, md); err != nil {
		return &ErrSendFailed{Sink: n.ID, Platform: "stdout", Cause: err}
	}
	s.status.LastDelivery = time.Now()
	return nil
}

// Status returns the current status.
func (s *Writer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close is a no-op.
func (s *Writer) Close() error { return nil }
