package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/encoder"
	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
	"github.com/kozaktomas/smart-attendance/internal/ledger"
)

// tableEncoder maps image bytes to embeddings.
func tableEncoder(table map[string][]float32) encoder.Encoder {
	return encoder.Func(func(ctx context.Context, image []byte) ([]float32, error) {
		emb, ok := table[string(image)]
		if !ok {
			return nil, encoder.ErrEncodingFailed
		}
		return emb, nil
	})
}

func newPipeline(t *testing.T, f *fixture, cfg PipelineConfig, enc encoder.Encoder, opts ...PipelineOption) *Pipeline {
	t.Helper()
	p := NewPipeline(cfg, f.manager, enc, facematch.NewExhaustive(), opts...)
	t.Cleanup(p.Stop)
	return p
}

func TestPipeline_Outcomes(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	f.open(t, Config{ID: "S", Threshold: 0.4})

	p := newPipeline(t, f, PipelineConfig{Workers: 2, QueueSize: 4}, tableEncoder(map[string][]float32{
		"alice.jpg":    {1, 0, 0},
		"stranger.jpg": {0, 0, 1},
	}))

	tests := []struct {
		name  string
		probe Probe
		want  Outcome
	}{
		{"match", Probe{SessionID: "S", Image: []byte("alice.jpg")}, OutcomeMarked},
		{"repeat", Probe{SessionID: "S", Image: []byte("alice.jpg")}, OutcomeAlreadyPresent},
		{"stranger", Probe{SessionID: "S", Image: []byte("stranger.jpg")}, OutcomeNoMatch},
		{"no face", Probe{SessionID: "S", Image: []byte("blank.jpg")}, OutcomeEncodingFailed},
		{"embedding", Probe{SessionID: "S", Embedding: []float32{0.9, 0.1, 0}}, OutcomeAlreadyPresent},
		{"bad dimension", Probe{SessionID: "S", Embedding: []float32{1, 0}}, OutcomeInvalidProbe},
		{"unknown session", Probe{SessionID: "nope", Embedding: []float32{1, 0, 0}}, OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Process(context.Background(), tt.probe)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s (%s)", res.Outcome, tt.want, res.Error)
			}
		})
	}

	if got := len(f.ledger.Query("S")); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
	rejections, _ := mustSession(t, f, "S").Rejections()
	if len(rejections) != 5 {
		t.Errorf("rejections = %d, want 5", len(rejections))
	}
}

func mustSession(t *testing.T, f *fixture, id string) *Session {
	t.Helper()
	s, err := f.manager.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return s
}

func TestPipeline_SessionStates(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	if _, err := f.manager.Create(Config{ID: "pending", Threshold: 0.4}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	closed := f.open(t, Config{ID: "closed", Threshold: 0.4})
	closed.Close(f.clock.Now())

	var encoded atomic.Int32
	enc := encoder.Func(func(ctx context.Context, image []byte) ([]float32, error) {
		encoded.Add(1)
		return []float32{1, 0, 0}, nil
	})
	p := newPipeline(t, f, PipelineConfig{Workers: 1, QueueSize: 1}, enc)

	res, err := p.Process(context.Background(), Probe{SessionID: "pending", Image: []byte("x")})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != OutcomeSessionNotOpen {
		t.Errorf("pending Outcome = %s, want session_not_open", res.Outcome)
	}

	res, err = p.Process(context.Background(), Probe{SessionID: "closed", Image: []byte("x")})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != OutcomeSessionClosed {
		t.Errorf("closed Outcome = %s, want session_closed", res.Outcome)
	}
	if encoded.Load() != 0 {
		t.Errorf("encoder called %d times for sessions not accepting probes", encoded.Load())
	}
}

func TestPipeline_EncodingTimeout(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	f.open(t, Config{ID: "S", Threshold: 0.4})

	slow := encoder.Func(func(ctx context.Context, image []byte) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := newPipeline(t, f, PipelineConfig{Workers: 1, QueueSize: 1, ProbeTimeout: 20 * time.Millisecond}, slow)

	res, err := p.Process(context.Background(), Probe{SessionID: "S", Image: []byte("x")})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != OutcomeEncodingTimeout {
		t.Errorf("Outcome = %s, want encoding_timeout", res.Outcome)
	}
	if f.ledger.Len() != 0 {
		t.Error("ledger entry recorded for timed out probe")
	}
}

func TestPipeline_TrySubmitQueueFull(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	f.open(t, Config{ID: "S", Threshold: 0.4})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := encoder.Func(func(ctx context.Context, image []byte) ([]float32, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return []float32{1, 0, 0}, nil
	})
	p := newPipeline(t, f, PipelineConfig{Workers: 1, QueueSize: 1}, blocking)

	first, err := p.TrySubmit(context.Background(), Probe{SessionID: "S", Image: []byte("1")})
	if err != nil {
		t.Fatalf("TrySubmit() error = %v", err)
	}
	<-started

	second, err := p.TrySubmit(context.Background(), Probe{SessionID: "S", Image: []byte("2")})
	if err != nil {
		t.Fatalf("TrySubmit() queued error = %v", err)
	}
	if _, err := p.TrySubmit(context.Background(), Probe{SessionID: "S", Image: []byte("3")}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("TrySubmit() error = %v, want ErrQueueFull", err)
	}

	close(release)
	if res := <-first; res.Outcome != OutcomeMarked {
		t.Errorf("first = %s, want marked", res.Outcome)
	}
	if res := <-second; res.Outcome != OutcomeAlreadyPresent {
		t.Errorf("second = %s, want already_present", res.Outcome)
	}
}

func TestPipeline_SubmitRespectsContext(t *testing.T) {
	f := newFixture(t)
	f.open(t, Config{ID: "S", Threshold: 0.4})

	release := make(chan struct{})
	blocking := encoder.Func(func(ctx context.Context, image []byte) ([]float32, error) {
		<-release
		return nil, encoder.ErrEncodingFailed
	})
	p := newPipeline(t, f, PipelineConfig{Workers: 1, QueueSize: 0}, blocking)
	defer close(release)

	if _, err := p.Submit(context.Background(), Probe{SessionID: "S", Image: []byte("1")}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, Probe{SessionID: "S", Image: []byte("2")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit() error = %v, want DeadlineExceeded", err)
	}
}

func TestPipeline_StopDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	f.enroll(t, "bob", 0, 1, 0)
	f.enroll(t, "carol", 0, 0, 1)
	f.open(t, Config{ID: "S", Threshold: 0.4})

	var mu sync.Mutex
	var observed []ProbeResult
	p := NewPipeline(PipelineConfig{Workers: 2, QueueSize: 8}, f.manager, tableEncoder(map[string][]float32{
		"a": {1, 0, 0}, "b": {0, 1, 0}, "c": {0, 0, 1},
	}), facematch.NewExhaustive(), WithObserver(func(r ProbeResult) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, r)
	}))

	var replies []<-chan ProbeResult
	for _, img := range []string{"a", "b", "c", "a"} {
		reply, err := p.Submit(context.Background(), Probe{SessionID: "S", Image: []byte(img)})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		replies = append(replies, reply)
	}
	p.Stop()

	for i, reply := range replies {
		select {
		case <-reply:
		default:
			t.Errorf("probe %d not processed before Stop returned", i)
		}
	}
	mu.Lock()
	if len(observed) != 4 {
		t.Errorf("observed %d results, want 4", len(observed))
	}
	mu.Unlock()

	if got := len(f.ledger.Query("S")); got != 3 {
		t.Errorf("ledger entries = %d, want 3", got)
	}
	if _, err := p.Submit(context.Background(), Probe{SessionID: "S"}); !errors.Is(err, ErrPipelineStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrPipelineStopped", err)
	}
	p.Stop()
}

func TestPipeline_CloseWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", 1, 0, 0)
	s := f.open(t, Config{ID: "S", Threshold: 0.4})

	started := make(chan struct{})
	release := make(chan struct{})
	enc := encoder.Func(func(ctx context.Context, image []byte) ([]float32, error) {
		close(started)
		<-release
		return []float32{1, 0, 0}, nil
	})
	p := newPipeline(t, f, PipelineConfig{Workers: 1, QueueSize: 1}, enc)

	reply, err := p.Submit(context.Background(), Probe{SessionID: "S", Image: []byte("x")})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	if err := s.Close(f.clock.Now()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(release)

	if res := <-reply; res.Outcome != OutcomeSessionClosed {
		t.Errorf("in-flight probe = %s, want session_closed", res.Outcome)
	}
	if f.ledger.Len() != 0 {
		t.Error("in-flight probe recorded after close")
	}
}

// jitterClock ticks forward on every read and then stalls briefly, so the
// order in which workers read it differs from the order in which they commit.
type jitterClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *jitterClock) Now() time.Time {
	c.mu.Lock()
	c.t = c.t.Add(time.Millisecond)
	now := c.t
	c.mu.Unlock()
	time.Sleep(rand.N(2 * time.Millisecond))
	return now
}

func TestPipeline_ConcurrentWorkersMarkEveryone(t *testing.T) {
	const people = 64
	g := gallery.New(people)
	l := ledger.New()
	embeddings := make([][]float32, people)
	for i := range people {
		embeddings[i] = make([]float32, people)
		embeddings[i][i] = 1
		if _, err := g.Enroll(fmt.Sprintf("p%02d", i), "", embeddings[i]); err != nil {
			t.Fatalf("Enroll() error = %v", err)
		}
	}
	m := NewManager(g, l, WithManagerClock(&jitterClock{t: t0}))
	if _, err := m.Create(Config{ID: "S", Threshold: 0.4}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Open("S"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	p := NewPipeline(PipelineConfig{Workers: 8, QueueSize: people}, m, tableEncoder(nil), facematch.NewExhaustive())
	t.Cleanup(p.Stop)

	results := make([]ProbeResult, people)
	var wg sync.WaitGroup
	for i := range people {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Process(context.Background(), Probe{SessionID: "S", Embedding: embeddings[i]})
			if err != nil {
				t.Errorf("Process(p%02d) error = %v", i, err)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	for i, res := range results {
		if res.Outcome != OutcomeMarked {
			t.Errorf("p%02d outcome = %s (%s), want marked", i, res.Outcome, res.Error)
		}
	}
	entries := l.Query("S")
	if len(entries) != people {
		t.Fatalf("ledger entries = %d, want %d", len(entries), people)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatalf("ledger out of order at %d", i)
		}
	}
}
