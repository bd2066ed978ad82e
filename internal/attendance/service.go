// Package attendance wires the gallery, match engine, sessions, ledger and
// probe pipeline into the service used by the HTTP API and the CLI.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/clock"
	"github.com/kozaktomas/smart-attendance/internal/config"
	"github.com/kozaktomas/smart-attendance/internal/constants"
	"github.com/kozaktomas/smart-attendance/internal/database"
	"github.com/kozaktomas/smart-attendance/internal/encoder"
	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

// Service is the attendance core. The store is optional; without one the
// service keeps everything in memory.
type Service struct {
	cfg      *config.Config
	clock    clock.Clock
	encoder  encoder.Encoder
	store    database.Store
	gallery  *gallery.Gallery
	ledger   *ledger.Ledger
	sessions *session.Manager
	pipeline *session.Pipeline
	events   *EventBroadcaster
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source shared by every component.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithStore enables write-through persistence.
func WithStore(store database.Store) Option {
	return func(s *Service) { s.store = store }
}

// New creates the service and starts its probe workers.
func New(cfg *config.Config, enc encoder.Encoder, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		clock:   clock.Real{},
		encoder: enc,
		events:  &EventBroadcaster{},
	}
	for _, opt := range opts {
		opt(s)
	}

	matcher, err := facematch.NewMatcher(cfg.Attendance.MatchIndex, cfg.Attendance.IndexShortlist)
	if err != nil {
		return nil, err
	}

	s.gallery = gallery.New(cfg.Embedding.Dim,
		gallery.WithMaxEmbeddings(cfg.Gallery.MaxEmbeddings),
		gallery.WithClock(s.clock),
	)

	var ledgerOpts []ledger.Option
	if s.store != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStore(s.store))
	}
	s.ledger = ledger.New(ledgerOpts...)

	s.sessions = session.NewManager(s.gallery, s.ledger,
		session.WithManagerClock(s.clock),
		session.WithMaxRejections(cfg.Attendance.MaxRejections),
		session.WithOnChange(s.sessionChanged),
	)

	s.pipeline = session.NewPipeline(session.PipelineConfig{
		Workers:      cfg.Attendance.Workers,
		QueueSize:    cfg.Attendance.QueueSize,
		ProbeTimeout: cfg.Attendance.ProbeTimeout,
	}, s.sessions, enc, matcher, session.WithObserver(s.probeProcessed))

	return s, nil
}

// Load restores identities, the ledger and sessions from the store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	identities, err := s.store.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}
	if err := s.gallery.Load(identities); err != nil {
		return fmt.Errorf("loading gallery: %w", err)
	}

	entries, err := s.store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}
	if err := s.ledger.Load(entries); err != nil {
		return fmt.Errorf("restoring ledger: %w", err)
	}

	infos, err := s.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	for _, info := range infos {
		if _, err := s.sessions.Restore(info, s.presentFromLedger(info.ID)); err != nil {
			return fmt.Errorf("restoring session %s: %w", info.ID, err)
		}
	}

	log.Printf("Loaded %d identities, %d ledger entries, %d sessions", len(identities), len(entries), len(infos))
	return nil
}

// presentFromLedger rebuilds the present set of a session. Corrections do
// not remove people from the present set.
func (s *Service) presentFromLedger(sessionID string) map[string]string {
	present := make(map[string]string)
	for _, e := range s.ledger.Query(sessionID) {
		if e.IsCorrection() {
			continue
		}
		if _, ok := present[e.PersonID]; !ok {
			present[e.PersonID] = e.ID
		}
	}
	return present
}

// Close stops the probe workers after queued probes finish.
func (s *Service) Close() {
	s.pipeline.Stop()
}

// Events returns the broadcaster carrying probe and session events.
func (s *Service) Events() *EventBroadcaster {
	return s.events
}

// Gallery returns the identity gallery.
func (s *Service) Gallery() *gallery.Gallery {
	return s.gallery
}

// Clock returns the service time source.
func (s *Service) Clock() clock.Clock {
	return s.clock
}

func (s *Service) sessionChanged(info session.Info) {
	if s.store != nil {
		if err := s.store.SaveSession(context.Background(), info); err != nil {
			log.Printf("Failed to persist session %s: %v", info.ID, err)
		}
	}
	s.events.SendEvent(Event{Type: EventSession, SessionID: info.ID, At: s.clock.Now(), Data: info})
}

func (s *Service) probeProcessed(res session.ProbeResult) {
	s.events.SendEvent(Event{Type: EventProbe, SessionID: res.SessionID, At: res.At, Data: res})
}

// Ingest runs one captured frame through the pipeline for a session.
func (s *Service) Ingest(ctx context.Context, sessionID string, image []byte) (session.ProbeResult, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return session.ProbeResult{}, err
	}
	return s.pipeline.Process(ctx, session.Probe{SessionID: sessionID, Image: image})
}

// IngestEmbedding matches a precomputed embedding, skipping the encoder.
func (s *Service) IngestEmbedding(ctx context.Context, sessionID string, emb []float32) (session.ProbeResult, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return session.ProbeResult{}, err
	}
	if len(emb) == 0 {
		return session.ProbeResult{}, fmt.Errorf("%w: empty embedding", gallery.ErrInvalidEmbedding)
	}
	return s.pipeline.Process(ctx, session.Probe{SessionID: sessionID, Embedding: emb})
}

// SessionRequest describes a session to create. Nil decision parameters
// take the configured defaults.
type SessionRequest struct {
	ID              string        `json:"id"`
	Threshold       *float64      `json:"threshold"`
	AmbiguityMargin *float64      `json:"ambiguity_margin"`
	StartAt         time.Time     `json:"start_at"`
	EndAt           time.Time     `json:"end_at"`
	Duration        time.Duration `json:"-"`
	Open            bool          `json:"open"`
}

// CreateSession registers a session and opens it when requested.
func (s *Service) CreateSession(ctx context.Context, req SessionRequest) (session.Info, error) {
	cfg := session.Config{
		ID:              req.ID,
		Threshold:       s.cfg.Attendance.Threshold,
		AmbiguityMargin: s.cfg.Attendance.AmbiguityMargin,
		StartAt:         req.StartAt,
		EndAt:           req.EndAt,
	}
	if req.Threshold != nil {
		cfg.Threshold = *req.Threshold
	}
	if req.AmbiguityMargin != nil {
		cfg.AmbiguityMargin = *req.AmbiguityMargin
	}
	if cfg.EndAt.IsZero() {
		duration := req.Duration
		if duration == 0 {
			duration = s.cfg.Attendance.SessionDuration
		}
		if duration > 0 {
			base := cfg.StartAt
			if base.IsZero() {
				base = s.clock.Now()
			}
			cfg.EndAt = base.Add(duration)
		}
	}

	sess, err := s.sessions.Create(cfg)
	if err != nil {
		return session.Info{}, err
	}
	s.sessionChanged(sess.Info())

	if req.Open {
		if err := sess.Open(s.clock.Now()); err != nil {
			return sess.Info(), err
		}
	}
	return sess.Info(), nil
}

// OpenSession opens a pending session, pinning the current gallery.
func (s *Service) OpenSession(id string) (session.Info, error) {
	return infoOf(s.sessions.Open(id))
}

// CloseSession closes a session.
func (s *Service) CloseSession(id string) (session.Info, error) {
	return infoOf(s.sessions.Close(id))
}

// CancelSession cancels a session.
func (s *Service) CancelSession(id string) (session.Info, error) {
	return infoOf(s.sessions.Cancel(id))
}

func infoOf(sess *session.Session, err error) (session.Info, error) {
	if sess == nil {
		return session.Info{}, err
	}
	return sess.Info(), err
}

// ExpireSessions opens scheduled sessions whose start time has come and
// closes sessions past their end time.
func (s *Service) ExpireSessions(now time.Time) (opened, expired int) {
	opened = len(s.sessions.OpenDue(now))
	expired = len(s.sessions.ExpireDue(now))
	return opened, expired
}

// Session returns a point-in-time view of a session.
func (s *Service) Session(id string) (session.Info, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return session.Info{}, err
	}
	return sess.Info(), nil
}

// Sessions lists every session ordered by creation time.
func (s *Service) Sessions() []session.Info {
	list := s.sessions.List()
	out := make([]session.Info, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	return out
}

// Present returns the ids of people marked present in a session.
func (s *Service) Present(id string) ([]string, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Present(), nil
}

// Ledger returns the entries of a session. Effective drops corrections and
// the entries they retract.
func (s *Service) Ledger(sessionID string, effective bool) ([]ledger.Entry, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	if effective {
		return s.ledger.Effective(sessionID), nil
	}
	return s.ledger.Query(sessionID), nil
}

// LedgerByPerson returns every entry recorded for a person.
func (s *Service) LedgerByPerson(personID string) []ledger.Entry {
	return s.ledger.QueryByPerson(personID)
}

// Rejections returns the rejection log of a session and the number of
// rejections dropped from it.
func (s *Service) Rejections(sessionID string) ([]session.Rejection, int, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, 0, err
	}
	rejections, dropped := sess.Rejections()
	return rejections, dropped, nil
}

// Correct appends a correction retracting a ledger entry.
func (s *Service) Correct(ctx context.Context, entryID, note string) (ledger.Entry, error) {
	entry, err := s.ledger.Supersede(ctx, entryID, note, s.clock.Now())
	if err != nil {
		return ledger.Entry{}, err
	}
	s.events.SendEvent(Event{Type: EventCorrection, SessionID: entry.SessionID, At: entry.Timestamp, Data: entry})
	return entry, nil
}

// Stats summarises the gallery, sessions and ledger.
type Stats struct {
	Identities     int                   `json:"identities"`
	Embeddings     int                   `json:"embeddings"`
	GalleryVersion uint64                `json:"gallery_version"`
	Sessions       map[session.State]int `json:"sessions"`
	LedgerEntries  int                   `json:"ledger_entries"`
	Recent         []ledger.Entry        `json:"recent"`
}

// Stats returns dashboard statistics.
func (s *Service) Stats() Stats {
	snap := s.gallery.Snapshot()
	return Stats{
		Identities:     snap.Len(),
		Embeddings:     snap.EmbeddingCount(),
		GalleryVersion: snap.Version(),
		Sessions:       s.sessions.Counts(),
		LedgerEntries:  s.ledger.Len(),
		Recent:         s.ledger.Recent(constants.DefaultRecentLimit),
	}
}

// Identities lists enrolled identities. A non-empty query filters by
// person id or by name, ignoring case and diacritics.
func (s *Service) Identities(query string) []gallery.Identity {
	all := s.gallery.Snapshot().Identities()
	if query == "" {
		return all
	}
	out := make([]gallery.Identity, 0, len(all))
	for _, id := range all {
		if id.PersonID == query || facematch.NameMatches(id.Name, query) {
			out = append(out, id)
		}
	}
	return out
}

// Nearest ranks identities by their closest reference embedding to emb.
// The store answers when configured; otherwise the in-memory gallery does.
func (s *Service) Nearest(ctx context.Context, emb []float32, limit int) ([]database.IdentityDistance, error) {
	if err := s.gallery.Validate(emb); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = constants.DefaultNearestLimit
	}
	if s.store != nil {
		return s.store.NearestIdentities(ctx, emb, limit)
	}

	var out []database.IdentityDistance
	s.gallery.Snapshot().Each(func(id gallery.Identity) bool {
		best := facematch.MaxDistance
		for _, ref := range id.Embeddings {
			best = min(best, facematch.CosineDistance(emb, ref))
		}
		out = append(out, database.IdentityDistance{PersonID: id.PersonID, Name: id.Name, Distance: best})
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove deletes an identity from the gallery and the store. Ledger
// entries referring to the person are kept.
func (s *Service) Remove(ctx context.Context, personID string) error {
	prev, _ := s.gallery.Get(personID)
	if err := s.gallery.Remove(personID); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.DeleteIdentity(ctx, personID); err != nil {
			s.rollback(prev, true)
			return fmt.Errorf("deleting identity %s: %w", personID, err)
		}
	}
	s.events.SendEvent(Event{Type: EventIdentity, At: s.clock.Now(), Data: map[string]string{"person_id": personID, "action": "removed"}})
	return nil
}

// rollback restores the gallery entry of a person after a failed store write.
func (s *Service) rollback(prev gallery.Identity, existed bool) {
	var err error
	if existed {
		_, err = s.gallery.Replace(prev.PersonID, prev.Name, prev.Embeddings...)
	} else {
		err = s.gallery.Remove(prev.PersonID)
	}
	if err != nil && !errors.Is(err, gallery.ErrIdentityNotFound) {
		log.Printf("Failed to roll back identity %s: %v", prev.PersonID, err)
	}
}
