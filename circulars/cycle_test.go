package circulars

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/noticewatch/channels"
	"github.com/hazyhaar/noticewatch/circulars/internal/delivery"
	"github.com/hazyhaar/noticewatch/dbopen"
	"github.com/hazyhaar/noticewatch/idgen"
	"github.com/hazyhaar/noticewatch/observability"
	"github.com/hazyhaar/noticewatch/watch"
)

// school serves a one-page archive and the documents it links to.
type school struct {
	mu       sync.Mutex
	rows     []int // newest first
	docs     map[int]string
	down     bool
	requests int
}

func (s *school) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.down {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Path == "/archivio" {
		var b strings.Builder
		b.WriteString(`<html><body><div class="view-circolari-archivio-new"><div class="view-content"><table>`)
		for _, n := range s.rows {
			fmt.Fprintf(&b, `<tr><td class="views-field-field-circolare-protocollo">%d</td>`+
				`<td class="views-field-title"><a href="/c/%d.pdf">Circolare %d</a><p>Testo %d</p></td>`+
				`<td><span class="date-display-single">1%d/10/2025</span></td></tr>`, n, n, n, n, n%10)
		}
		b.WriteString(`</table></div></div></body></html>`)
		io.WriteString(w, b.String())
		return
	}
	var n int
	if _, err := fmt.Sscanf(r.URL.Path, "/c/%d.pdf", &n); err == nil {
		if body, ok := s.docs[n]; ok {
			io.WriteString(w, body)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *school) setDoc(n int, body string) {
	s.mu.Lock()
	s.docs[n] = body
	s.mu.Unlock()
}

func (s *school) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// recordingSink remembers every delivered notification. While failing is
// set every delivery is rejected.
type recordingSink struct {
	mu        sync.Mutex
	failing   bool
	delivered []channels.Notification
	connects  int
}

func (s *recordingSink) Platform() string { return "fake" }

func (s *recordingSink) Connect(context.Context) error {
	s.mu.Lock()
	s.connects++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Deliver(_ context.Context, n channels.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return &channels.ErrSendFailed{Sink: n.ID, Platform: "fake", Cause: errors.New("chat unreachable")}
	}
	s.delivered = append(s.delivered, n)
	return nil
}

func (s *recordingSink) Status() channels.Status { return channels.Status{Platform: "fake"} }
func (s *recordingSink) Close() error            { return nil }

func (s *recordingSink) identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	for i, n := range s.delivered {
		out[i] = n.Identity
	}
	return out
}

type fixture struct {
	t      *testing.T
	srv    *httptest.Server
	school *school
	cfg    *Config
	sleeps []time.Duration
}

func newFixture(t *testing.T, rows ...int) *fixture {
	t.Helper()
	sc := &school{rows: rows, docs: make(map[int]string)}
	for _, n := range rows {
		sc.docs[n] = fmt.Sprintf("document %d v1", n)
	}
	srv := httptest.NewServer(sc)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.StatePath = filepath.Join(t.TempDir(), "state.db")
	cfg.Listing.URL = srv.URL + "/archivio?page={page0}"
	cfg.Sink.Type = "stdout"
	return &fixture{t: t, srv: srv, school: sc, cfg: cfg}
}

func (f *fixture) service(sink channels.Sink, opts ...Option) *Service {
	f.t.Helper()
	clock := func() time.Time { return time.Date(2025, time.October, 19, 10, 0, 0, 0, time.UTC) }
	base := []Option{
		WithSink(sink),
		WithURLValidator(func(string) error { return nil }),
		WithClock(clock),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		}),
		WithIDGenerator(idgen.Sequence("id")),
	}
	cfg := *f.cfg
	svc, err := New(context.Background(), &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), append(base, opts...)...)
	if err != nil {
		f.t.Fatalf("New: %v", err)
	}
	f.t.Cleanup(func() { svc.Close() })
	return svc
}

func (f *fixture) doc(n int) string { return f.srv.URL + fmt.Sprintf("/c/%d.pdf", n) }

func TestCycle_NewNoticesOldestFirstAndPersisted(t *testing.T) {
	// WHAT: a first discovery announces every listed notice, oldest first,
	// then writes the state file.
	// WHY: chat readers expect chronological order.
	f := newFixture(t, 143, 142, 141)
	sink := &recordingSink{}
	svc := f.service(sink)

	svc.RunOnce(context.Background())

	got := sink.identities()
	want := []string{f.doc(141), f.doc(142), f.doc(143)}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("delivered: got %v, want %v", got, want)
	}
	for _, n := range sink.delivered {
		if n.Kind != "new" {
			t.Errorf("%s: kind %q, want new", n.Identity, n.Kind)
		}
	}
	if sink.connects != 1 {
		t.Errorf("connects: got %d, want 1", sink.connects)
	}
	if _, err := os.Stat(f.cfg.StatePath); err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	if st := svc.Stats(); st.Cycles != 1 || st.Failures != 0 || st.Discoveries != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestCycle_RestartDoesNotReannounce(t *testing.T) {
	// WHAT: a new process on the same state file sends nothing for known notices.
	// WHY: re-announcing after every restart would spam the chat.
	f := newFixture(t, 142, 141)
	f.service(&recordingSink{}).RunOnce(context.Background())

	sink := &recordingSink{}
	svc := f.service(sink)
	svc.RunOnce(context.Background())

	if len(sink.delivered) != 0 {
		t.Fatalf("re-announced: %v", sink.identities())
	}
	if sink.connects != 0 {
		t.Errorf("sink contacted with nothing to send: %d connects", sink.connects)
	}
	if !svc.Known(f.doc(141)) || !svc.Known(f.doc(142)) {
		t.Error("restored store misses identities")
	}
}

func TestCycle_OnlyNewNoticeAnnounced(t *testing.T) {
	// WHAT: a notice published between cycles is the only one announced.
	f := newFixture(t, 141)
	f.service(&recordingSink{}).RunOnce(context.Background())

	f.school.mu.Lock()
	f.school.rows = []int{142, 141}
	f.school.docs[142] = "document 142 v1"
	f.school.mu.Unlock()

	sink := &recordingSink{}
	f.service(sink).RunOnce(context.Background())

	if got := sink.identities(); len(got) != 1 || got[0] != f.doc(142) {
		t.Fatalf("delivered: %v", got)
	}
}

func TestCycle_VerificationAnnouncesUpdate(t *testing.T) {
	// WHAT: a verification cycle finds a changed document and sends update #1.
	// WHY: schools replace attachments in place without a new notice.
	f := newFixture(t, 142, 141)
	f.service(&recordingSink{}).RunOnce(context.Background())

	f.school.setDoc(141, "document 141 v2, corrected date")

	sink := &recordingSink{}
	svc := f.service(sink, WithForceMode(Verification))
	svc.RunOnce(context.Background())

	if len(sink.delivered) != 1 {
		t.Fatalf("delivered: %v", sink.identities())
	}
	n := sink.delivered[0]
	if n.Identity != f.doc(141) || n.Kind != "update" || n.Update != 1 {
		t.Fatalf("notification: %+v", n)
	}
	if !strings.Contains(n.Link, "ts=") {
		t.Errorf("update link not cache-busted: %s", n.Link)
	}
	if svc.Updates(f.doc(141)) != 1 {
		t.Errorf("updates: got %d, want 1", svc.Updates(f.doc(141)))
	}

	// A second verification with the same content is quiet.
	again := &recordingSink{}
	f.service(again, WithForceMode(Verification)).RunOnce(context.Background())
	if len(again.delivered) != 0 {
		t.Fatalf("update repeated: %v", again.identities())
	}
}

func TestCycle_DiscoveryIgnoresChangedDocuments(t *testing.T) {
	// WHAT: discovery only looks for unseen identities.
	f := newFixture(t, 141)
	f.service(&recordingSink{}).RunOnce(context.Background())
	f.school.setDoc(141, "document 141 v2")

	sink := &recordingSink{}
	f.service(sink).RunOnce(context.Background())
	if len(sink.delivered) != 0 {
		t.Fatalf("delivered: %v", sink.identities())
	}
}

func TestCycle_SourceDownPersistsNothing(t *testing.T) {
	// WHAT: an unreachable listing fails the cycle without touching state.
	f := newFixture(t, 141)
	f.school.setDown(true)

	sink := &recordingSink{}
	svc := f.service(sink)
	svc.RunOnce(context.Background())

	if len(sink.delivered) != 0 {
		t.Fatal("delivered with source down")
	}
	if _, err := os.Stat(f.cfg.StatePath); !os.IsNotExist(err) {
		t.Fatalf("state file written: %v", err)
	}
	if st := svc.Stats(); st.Failures != 1 {
		t.Errorf("failures: got %d, want 1", st.Failures)
	}
}

func TestCycle_ExecuteReturnsSourceUnavailable(t *testing.T) {
	f := newFixture(t, 141)
	f.school.setDown(true)
	svc := f.service(&recordingSink{})

	err := svc.ExecuteCycle(context.Background(), cycleAt(1, Discovery))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("got %v, want ErrSourceUnavailable", err)
	}
}

func TestCycle_UnreachableDocumentSkipped(t *testing.T) {
	// WHAT: a notice whose document cannot be fetched is skipped, the rest
	// are announced, and the skipped one is retried next cycle.
	f := newFixture(t, 142, 141)
	f.school.mu.Lock()
	delete(f.school.docs, 142)
	f.school.mu.Unlock()

	sink := &recordingSink{}
	svc := f.service(sink)
	svc.RunOnce(context.Background())
	if got := sink.identities(); len(got) != 1 || got[0] != f.doc(141) {
		t.Fatalf("first cycle: %v", got)
	}

	f.school.setDoc(142, "document 142 v1")
	svc.RunOnce(context.Background())
	if got := sink.identities(); len(got) != 2 || got[1] != f.doc(142) {
		t.Fatalf("second cycle: %v", got)
	}
}

func TestCycle_SinkDownPersistsNothing(t *testing.T) {
	// WHAT: when delivery gives up, no state is saved and nothing is marked seen.
	// WHY: a notice must never be recorded as announced before the chat has it.
	f := newFixture(t, 142, 141)
	sink := &recordingSink{failing: true}
	svc := f.service(sink, WithRetry(delivery.Fixed{MaxAttempts: 3}))

	svc.RunOnce(context.Background())

	if _, err := os.Stat(f.cfg.StatePath); !os.IsNotExist(err) {
		t.Fatalf("state file written: %v", err)
	}
	if svc.Known(f.doc(141)) {
		t.Error("undelivered notice marked seen")
	}
	if sink.connects != 3 {
		t.Errorf("connects: got %d, want 3 (one per attempt)", sink.connects)
	}
}

func TestCycle_FailedSaveRetriedByQuietCycle(t *testing.T) {
	// WHAT: when the snapshot cannot be written after a delivery, a later
	// cycle with nothing new still writes it.
	// WHY: until it does, a restart re-announces notices the chat already has.
	f := newFixture(t, 142, 141)
	// A non-empty directory at the state path makes the final rename fail.
	if err := os.MkdirAll(filepath.Join(f.cfg.StatePath, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	svc := f.service(sink)

	svc.RunOnce(context.Background())
	if len(sink.delivered) != 2 {
		t.Fatalf("delivered: %v", sink.identities())
	}
	if st := svc.Stats(); st.Failures != 1 {
		t.Fatalf("failed save must fail the cycle: %+v", st)
	}

	if err := os.RemoveAll(f.cfg.StatePath); err != nil {
		t.Fatal(err)
	}
	svc.RunOnce(context.Background())
	if len(sink.delivered) != 2 {
		t.Fatalf("re-delivered: %v", sink.identities())
	}
	if _, err := os.Stat(f.cfg.StatePath); err != nil {
		t.Fatalf("state file still missing after a healthy cycle: %v", err)
	}

	again := &recordingSink{}
	f.service(again).RunOnce(context.Background())
	if len(again.delivered) != 0 {
		t.Fatalf("restart re-announced: %v", again.identities())
	}
}

func TestCycle_CancelledPersistsNothing(t *testing.T) {
	// WHAT: cancelling mid-delivery returns nil and leaves the state file alone.
	f := newFixture(t, 142, 141)
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	svc := f.service(sink, WithSleep(func(ctx context.Context, d time.Duration) error {
		if d == f.cfg.Delivery.PostDelay {
			cancel()
		}
		return ctx.Err()
	}))

	if err := svc.ExecuteCycle(ctx, cycleAt(1, Discovery)); err != nil {
		t.Fatalf("cancelled cycle: %v", err)
	}
	if len(sink.delivered) != 1 {
		t.Errorf("delivered: %v", sink.identities())
	}
	if _, err := os.Stat(f.cfg.StatePath); !os.IsNotExist(err) {
		t.Fatalf("state file written: %v", err)
	}
}

func TestCycle_MaxItems(t *testing.T) {
	f := newFixture(t, 143, 142, 141)
	f.cfg.MaxItems = 1
	sink := &recordingSink{}
	f.service(sink).RunOnce(context.Background())
	if got := sink.identities(); len(got) != 1 || got[0] != f.doc(143) {
		t.Fatalf("delivered: %v", got)
	}
}

func TestCycle_CourtesyDelays(t *testing.T) {
	// WHAT: one payload delay per document and one post delay per message.
	f := newFixture(t, 142, 141)
	f.service(&recordingSink{}).RunOnce(context.Background())

	var payload, post int
	for _, d := range f.sleeps {
		switch d {
		case f.cfg.PayloadDelay:
			payload++
		case f.cfg.Delivery.PostDelay:
			post++
		}
	}
	if payload != 2 || post != 2 {
		t.Fatalf("payload delays %d, post delays %d; want 2 and 2 (%v)", payload, post, f.sleeps)
	}
}

func TestCycle_Journal(t *testing.T) {
	// WHAT: cycle runs and deliveries are appended to the journal.
	f := newFixture(t, 142, 141)
	f.cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")
	svc := f.service(&recordingSink{})
	svc.RunOnce(context.Background())
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := dbopen.Open(f.cfg.JournalPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	runs, err := observability.RecentCycles(context.Background(), db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs: got %d, want 1", len(runs))
	}
	r := runs[0]
	if r.Mode != "discovery" || r.Items != 2 || r.Changes != 2 || r.Delivered != 2 || !r.Persisted || r.Status != "ok" {
		t.Errorf("run: %+v", r)
	}

	ds, err := observability.DeliveriesFor(context.Background(), db, f.doc(141))
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 || ds[0].RunID != r.RunID || ds[0].Kind != "new" || ds[0].Digest == "" {
		t.Fatalf("deliveries: %+v", ds)
	}
}

func TestReadStatus(t *testing.T) {
	// WHAT: the journal summary lists cycles and one notice's deliveries.
	f := newFixture(t, 141)
	f.cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")
	svc := f.service(&recordingSink{})
	svc.RunOnce(context.Background())
	svc.RunOnce(context.Background())
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := *f.cfg
	st, err := ReadStatus(context.Background(), &cfg, 10, f.doc(141))
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Cycles) != 2 || st.Cycles[0].Index != 2 {
		t.Fatalf("cycles: %+v", st.Cycles)
	}
	if len(st.Deliveries) != 1 || st.Deliveries[0].Kind != "new" {
		t.Fatalf("deliveries: %+v", st.Deliveries)
	}
	if st.Heartbeat != nil {
		t.Errorf("no heartbeat is written outside Run: %+v", st.Heartbeat)
	}

	cfg.JournalPath = ""
	if _, err := ReadStatus(context.Background(), &cfg, 10, ""); !errors.Is(err, ErrNoJournal) {
		t.Fatalf("got %v, want ErrNoJournal", err)
	}
}

func TestService_RunStopsOnCancel(t *testing.T) {
	// WHAT: Run returns nil once the context is cancelled during the
	// interval sleep.
	f := newFixture(t, 141)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := f.service(&recordingSink{}, WithSleep(func(ctx context.Context, d time.Duration) error {
		if d == f.cfg.Interval {
			cancel()
		}
		return ctx.Err()
	}))

	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := svc.Stats(); st.Cycles != 1 {
		t.Errorf("cycles: got %d, want 1", st.Cycles)
	}
}

func TestService_StdoutSink(t *testing.T) {
	// WHAT: test mode writes messages to the terminal as Markdown.
	f := newFixture(t, 141)
	var out bytes.Buffer
	cfg := *f.cfg
	svc, err := New(context.Background(), &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithOutput(&out),
		WithURLValidator(func(string) error { return nil }),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	svc.RunOnce(context.Background())
	if !strings.Contains(out.String(), "Circolare 141") {
		t.Fatalf("stdout: %q", out.String())
	}
}

func cycleAt(index int64, m Mode) watch.Cycle {
	return watch.Cycle{Index: index, Mode: m, Started: time.Date(2025, time.October, 19, 10, 0, 0, 0, time.UTC)}
}
