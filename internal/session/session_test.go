package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/clock"
	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	gallery *gallery.Gallery
	ledger  *ledger.Ledger
	clock   *clock.Fake
	manager *Manager
}

func newFixture(t *testing.T, opts ...ManagerOption) *fixture {
	t.Helper()
	c := clock.NewFake(t0)
	f := &fixture{
		gallery: gallery.New(3, gallery.WithClock(c)),
		ledger:  ledger.New(),
		clock:   c,
	}
	opts = append([]ManagerOption{WithManagerClock(f.clock)}, opts...)
	f.manager = NewManager(f.gallery, f.ledger, opts...)
	return f
}

func (f *fixture) enroll(t *testing.T, person string, emb ...float32) {
	t.Helper()
	if _, err := f.gallery.Enroll(person, person, emb); err != nil {
		t.Fatalf("Enroll(%s) error = %v", person, err)
	}
}

func (f *fixture) open(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := f.manager.Create(cfg)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Open(f.clock.Now()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func (f *fixture) probe(t *testing.T, s *Session, emb ...float32) ProbeResult {
	t.Helper()
	snap, params, err := s.MatchTarget(f.clock.Now())
	if err != nil {
		return ProbeResult{Outcome: OutcomeFor(err)}
	}
	res, err := facematch.NewExhaustive().Match(context.Background(), emb, snap, params)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	out, _ := s.Commit(context.Background(), res, f.clock.Now())
	return out
}

func TestSession_Scenario(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	s := f.open(t, Config{ID: "S", Threshold: 0.4})

	f.clock.Advance(time.Minute)
	res := f.probe(t, s, 1, 0, 0)
	if res.Outcome != OutcomeMarked || res.PersonID != "alice" {
		t.Fatalf("probe E = %+v, want marked alice", res)
	}
	entries := f.ledger.Query("S")
	if len(entries) != 1 || entries[0].PersonID != "alice" || !entries[0].Timestamp.Equal(t0.Add(time.Minute)) {
		t.Fatalf("ledger = %+v, want one alice entry at t", entries)
	}

	res = f.probe(t, s, 0, 0, 1)
	if res.Outcome != OutcomeNoMatch {
		t.Errorf("far probe = %s, want no_match", res.Outcome)
	}
	if got := len(f.ledger.Query("S")); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}

	if err := s.Close(f.clock.Now()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	res = f.probe(t, s, 1, 0, 0)
	if res.Outcome != OutcomeSessionClosed {
		t.Errorf("probe after close = %s, want session_closed", res.Outcome)
	}

	info := s.Info()
	if info.State != StateClosed || info.CloseReason != ReasonClosed {
		t.Errorf("Info() = %+v, want closed/closed", info)
	}
}

func TestSession_SameProbeTwiceYieldsOneEntry(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	s := f.open(t, Config{ID: "S", Threshold: 0.4})

	first := f.probe(t, s, 1, 0, 0)
	second := f.probe(t, s, 1, 0, 0)
	if first.Outcome != OutcomeMarked {
		t.Fatalf("first = %s, want marked", first.Outcome)
	}
	if second.Outcome != OutcomeAlreadyPresent {
		t.Errorf("second = %s, want already_present", second.Outcome)
	}
	if second.EntryID != first.EntryID {
		t.Errorf("already_present entry id = %s, want %s", second.EntryID, first.EntryID)
	}
	if got := len(f.ledger.Query("S")); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
}

func TestSession_ConcurrentCommitsMarkOnce(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	f.enroll(t, "bob", 0, 1, 0)
	s := f.open(t, Config{ID: "S", Threshold: 0.4})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				f.probe(t, s, 1, 0, 0)
			} else {
				f.probe(t, s, 0, 1, 0)
			}
		}()
	}
	wg.Wait()

	present := s.Present()
	if len(present) != 2 || present[0] != "alice" || present[1] != "bob" {
		t.Errorf("Present() = %v, want [alice bob]", present)
	}
	if got := len(f.ledger.Query("S")); got != 2 {
		t.Errorf("ledger entries = %d, want 2", got)
	}
	if got := len(present); got > f.gallery.Snapshot().Len() {
		t.Errorf("present %d exceeds gallery size", got)
	}
}

func TestSession_ClosePendingYieldsNoEntries(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	s, err := f.manager.Create(Config{ID: "S", Threshold: 0.4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if res := f.probe(t, s, 1, 0, 0); res.Outcome != OutcomeSessionNotOpen {
		t.Errorf("probe on pending = %s, want session_not_open", res.Outcome)
	}
	if err := s.Close(f.clock.Now()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if info := s.Info(); info.State != StateClosed || info.CloseReason != ReasonCancelled {
		t.Errorf("Info() = %+v, want closed/cancelled", info)
	}
	if got := len(f.ledger.Query("S")); got != 0 {
		t.Errorf("ledger entries = %d, want 0", got)
	}
	if err := s.Open(f.clock.Now()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Open() after close error = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(s *Session, now time.Time)
		act        func(s *Session, now time.Time) error
		wantErr    error
		wantState  State
		wantReason CloseReason
	}{
		{
			name:      "open pending",
			act:       (*Session).Open,
			wantState: StateOpen,
		},
		{
			name:      "open twice",
			setup:     func(s *Session, now time.Time) { s.Open(now) },
			act:       (*Session).Open,
			wantErr:   ErrInvalidTransition,
			wantState: StateOpen,
		},
		{
			name:       "close open",
			setup:      func(s *Session, now time.Time) { s.Open(now) },
			act:        (*Session).Close,
			wantState:  StateClosed,
			wantReason: ReasonClosed,
		},
		{
			name:       "cancel pending",
			act:        (*Session).Cancel,
			wantState:  StateClosed,
			wantReason: ReasonCancelled,
		},
		{
			name:       "cancel open",
			setup:      func(s *Session, now time.Time) { s.Open(now) },
			act:        (*Session).Cancel,
			wantState:  StateClosed,
			wantReason: ReasonCancelled,
		},
		{
			name:       "close closed",
			setup:      func(s *Session, now time.Time) { s.Cancel(now) },
			act:        (*Session).Close,
			wantErr:    ErrSessionClosed,
			wantState:  StateClosed,
			wantReason: ReasonCancelled,
		},
		{
			name:       "cancel closed",
			setup:      func(s *Session, now time.Time) { s.Open(now); s.Close(now) },
			act:        (*Session).Cancel,
			wantErr:    ErrSessionClosed,
			wantState:  StateClosed,
			wantReason: ReasonClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s, err := f.manager.Create(Config{Threshold: 0.4})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if tt.setup != nil {
				tt.setup(s, f.clock.Now())
			}
			err = tt.act(s, f.clock.Now())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			info := s.Info()
			if info.State != tt.wantState || info.CloseReason != tt.wantReason {
				t.Errorf("state = %s/%s, want %s/%s", info.State, info.CloseReason, tt.wantState, tt.wantReason)
			}
		})
	}
}

func TestSession_Expiry(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	end := t0.Add(time.Hour)
	s := f.open(t, Config{ID: "S", Threshold: 0.4, EndAt: end})

	f.clock.Set(end.Add(-time.Second))
	if s.Expire(f.clock.Now()) {
		t.Fatal("Expire() before end returned true")
	}

	f.clock.Set(end)
	res := f.probe(t, s, 1, 0, 0)
	if res.Outcome != OutcomeSessionClosed {
		t.Errorf("probe at end = %s, want session_closed", res.Outcome)
	}
	info := s.Info()
	if info.CloseReason != ReasonExpired || !info.ClosedAt.Equal(end) {
		t.Errorf("Info() = %+v, want expired at %s", info, end)
	}
	if got := len(f.ledger.Query("S")); got != 0 {
		t.Errorf("ledger entries = %d, want 0", got)
	}
}

func TestSession_OpenAfterEndExpires(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Create(Config{ID: "S", Threshold: 0.4, EndAt: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	f.clock.Advance(2 * time.Minute)

	if err := s.Open(f.clock.Now()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Open() error = %v, want ErrSessionClosed", err)
	}
	if info := s.Info(); info.CloseReason != ReasonExpired {
		t.Errorf("CloseReason = %s, want expired", info.CloseReason)
	}
}

func TestSession_PinsSnapshotAtOpen(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	s := f.open(t, Config{ID: "S", Threshold: 0.4})

	f.enroll(t, "bob", 0, 1, 0)
	if res := f.probe(t, s, 0, 1, 0); res.Outcome != OutcomeNoMatch {
		t.Errorf("probe for later enrollee = %s, want no_match", res.Outcome)
	}

	if err := f.gallery.Remove("alice"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if res := f.probe(t, s, 1, 0, 0); res.Outcome != OutcomeMarked {
		t.Errorf("probe for removed identity = %s, want marked from pinned snapshot", res.Outcome)
	}
}

func TestSession_CommitRejectsIdentityOutsideSnapshot(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, Config{ID: "S", Threshold: 0.4})

	res, err := s.Commit(context.Background(), facematch.Result{Outcome: facematch.OutcomeMatch, PersonID: "ghost"}, f.clock.Now())
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("Commit() error = %v, want ErrUnknownIdentity", err)
	}
	if res.Outcome != OutcomeInvalidProbe {
		t.Errorf("Outcome = %s, want invalid_probe", res.Outcome)
	}
	if f.ledger.Len() != 0 {
		t.Error("ledger entry recorded for unknown identity")
	}
}

type failingLedger struct{}

func (failingLedger) Record(context.Context, ledger.Entry) (ledger.Entry, error) {
	return ledger.Entry{}, ledger.ErrOutOfOrderEntry
}

func TestSession_LedgerFailureLeavesPersonAbsent(t *testing.T) {
	g := gallery.New(3)
	if _, err := g.Enroll("alice", "Alice", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	m := NewManager(g, failingLedger{}, WithManagerClock(clock.NewFake(t0)))
	s, _ := m.Create(Config{ID: "S", Threshold: 0.4})
	if err := s.Open(t0); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	res, err := s.Commit(context.Background(), facematch.Result{Outcome: facematch.OutcomeMatch, PersonID: "alice"}, t0)
	if !errors.Is(err, ledger.ErrOutOfOrderEntry) {
		t.Fatalf("Commit() error = %v, want ErrOutOfOrderEntry", err)
	}
	if res.Outcome != OutcomeError {
		t.Errorf("Outcome = %s, want error", res.Outcome)
	}
	if s.IsPresent("alice") {
		t.Error("alice marked present although the ledger refused the entry")
	}
}

func TestSession_RejectionLogCapped(t *testing.T) {
	f := newFixture(t, WithMaxRejections(3))
	f.enroll(t, "alice", 1, 0, 0)
	s := f.open(t, Config{ID: "S", Threshold: 0.1})

	for i := range 5 {
		f.clock.Advance(time.Second)
		f.probe(t, s, 0, float32(i+1), 1)
	}
	rejections, dropped := s.Rejections()
	if len(rejections) != 3 || dropped != 2 {
		t.Fatalf("rejections = %d, dropped = %d, want 3 and 2", len(rejections), dropped)
	}
	if !rejections[2].At.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("newest rejection at %s, want %s", rejections[2].At, t0.Add(5*time.Second))
	}
	if rejections[0].Reason != OutcomeNoMatch || rejections[0].BestPersonID != "alice" {
		t.Errorf("rejection = %+v, want no_match with best alice", rejections[0])
	}
}

func TestSession_OnChange(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	f := newFixture(t, WithOnChange(func(info Info) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s/%s", info.State, info.CloseReason))
	}))
	s := f.open(t, Config{ID: "S", Threshold: 0.4})
	if err := s.Close(f.clock.Now()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	s.Close(f.clock.Now())

	mu.Lock()
	defer mu.Unlock()
	want := []string{"open/", "closed/closed"}
	if len(seen) != len(want) {
		t.Fatalf("changes = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("change %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestManager(t *testing.T) {
	f := newFixture(t)
	a, err := f.manager.Create(Config{ID: "a", Threshold: 0.4, EndAt: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.manager.Create(Config{ID: "b", Threshold: 0.4, StartAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := f.manager.Create(Config{ID: "a", Threshold: 0.4}); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate Create() error = %v, want ErrSessionExists", err)
	}
	if _, err := f.manager.Create(Config{Threshold: 3}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Create(threshold 3) error = %v, want ErrInvalidConfig", err)
	}
	if _, err := f.manager.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrSessionNotFound", err)
	}

	list := f.manager.List()
	if len(list) != 2 || list[0].ID() != "a" || list[1].ID() != "b" {
		t.Errorf("List() order wrong")
	}

	if _, err := f.manager.Open("a"); err != nil {
		t.Fatalf("Open(a) error = %v", err)
	}

	f.clock.Set(t0.Add(time.Minute))
	opened := f.manager.OpenDue(f.clock.Now())
	if len(opened) != 1 || opened[0].ID() != "b" {
		t.Errorf("OpenDue() = %d sessions, want b", len(opened))
	}

	f.clock.Set(t0.Add(time.Hour))
	expired := f.manager.ExpireDue(f.clock.Now())
	if len(expired) != 1 || expired[0] != a {
		t.Errorf("ExpireDue() = %d sessions, want a", len(expired))
	}

	counts := f.manager.Counts()
	if counts[StateOpen] != 1 || counts[StateClosed] != 1 || counts[StatePending] != 0 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestManager_Restore(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	f.clock.Advance(time.Minute)
	f.enroll(t, "bob", 0, 1, 0)
	s, err := f.manager.Restore(Info{
		ID:        "r",
		State:     StateOpen,
		Params:    facematch.Params{Threshold: 0.4},
		CreatedAt: t0,
		OpenedAt:  t0,
	}, map[string]string{"alice": "entry-1"})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	res := f.probe(t, s, 1, 0, 0)
	if res.Outcome != OutcomeAlreadyPresent || res.EntryID != "entry-1" {
		t.Errorf("probe = %+v, want already_present entry-1", res)
	}

	if res := f.probe(t, s, 0, 1, 0); res.Outcome != OutcomeNoMatch {
		t.Errorf("probe for identity enrolled after open = %s, want no_match", res.Outcome)
	}
	if info := s.Info(); info.GallerySize != 1 {
		t.Errorf("GallerySize = %d, want 1", info.GallerySize)
	}
}

func TestSession_OnChangeDeliveredInOrder(t *testing.T) {
	var mu sync.Mutex
	var last State
	f := newFixture(t, WithOnChange(func(info Info) {
		if info.State == StateOpen {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		last = info.State
		mu.Unlock()
	}))
	s, err := f.manager.Create(Config{ID: "S", Threshold: 0.4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Open(f.clock.Now())
	}()
	time.Sleep(5 * time.Millisecond)
	if err := s.Close(f.clock.Now()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if last != StateClosed {
		t.Errorf("last delivered state = %s, want closed", last)
	}
}

func TestSession_CommitAfterLaterEntryStillMarks(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	f.enroll(t, "bob", 0, 1, 0)
	s := f.open(t, Config{ID: "S", Threshold: 0.4})

	late := t0.Add(time.Minute)
	first, err := s.Commit(context.Background(), facematch.Result{Outcome: facematch.OutcomeMatch, PersonID: "bob"}, late)
	if err != nil || first.Outcome != OutcomeMarked {
		t.Fatalf("Commit(bob) = %+v, %v", first, err)
	}
	// alice's worker read the clock before bob's commit but arrives after it.
	second, err := s.Commit(context.Background(), facematch.Result{Outcome: facematch.OutcomeMatch, PersonID: "alice"}, t0)
	if err != nil || second.Outcome != OutcomeMarked {
		t.Fatalf("Commit(alice) = %+v, %v", second, err)
	}
	if !second.At.Equal(late) || !second.Entry.Timestamp.Equal(late) {
		t.Errorf("alice stamped at %s, want %s", second.Entry.Timestamp, late)
	}
}
