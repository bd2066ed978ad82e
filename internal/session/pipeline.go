package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kozaktomas/smart-attendance/internal/clock"
	"github.com/kozaktomas/smart-attendance/internal/encoder"
	"github.com/kozaktomas/smart-attendance/internal/facematch"
	"github.com/kozaktomas/smart-attendance/internal/gallery"
)

var (
	// ErrQueueFull is returned by TrySubmit when the probe queue has no room.
	ErrQueueFull = errors.New("probe queue full")
	// ErrPipelineStopped is returned when submitting to a stopped pipeline.
	ErrPipelineStopped = errors.New("probe pipeline stopped")
)

// Probe is one captured frame, or a precomputed embedding, for a session.
type Probe struct {
	SessionID string
	Image     []byte
	Embedding []float32
}

// PipelineConfig sizes the probe pipeline.
type PipelineConfig struct {
	Workers      int
	QueueSize    int
	ProbeTimeout time.Duration // Bounds encoding and matching; zero disables
}

type job struct {
	ctx   context.Context
	probe Probe
	reply chan ProbeResult
}

// Pipeline runs probes through encoding, matching and commit on a fixed
// pool of workers fed by a bounded queue.
type Pipeline struct {
	manager  *Manager
	encoder  encoder.Encoder
	matcher  facematch.Matcher
	clock    clock.Clock
	timeout  time.Duration
	observer func(ProbeResult)

	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithObserver registers a callback invoked with every probe result.
func WithObserver(fn func(ProbeResult)) PipelineOption {
	return func(p *Pipeline) { p.observer = fn }
}

// NewPipeline creates a pipeline and starts its workers.
func NewPipeline(cfg PipelineConfig, m *Manager, enc encoder.Encoder, matcher facematch.Matcher, opts ...PipelineOption) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	p := &Pipeline{
		manager: m,
		encoder: enc,
		matcher: matcher,
		clock:   m.Clock(),
		timeout: cfg.ProbeTimeout,
		jobs:    make(chan job, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	for range cfg.Workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a probe, blocking until there is room or ctx is done.
// The returned channel receives exactly one result.
func (p *Pipeline) Submit(ctx context.Context, probe Probe) (<-chan ProbeResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrPipelineStopped
	}

	j := job{ctx: ctx, probe: probe, reply: make(chan ProbeResult, 1)}
	select {
	case p.jobs <- j:
		return j.reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("submitting probe: %w", ctx.Err())
	}
}

// TrySubmit queues a probe without blocking.
func (p *Pipeline) TrySubmit(ctx context.Context, probe Probe) (<-chan ProbeResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrPipelineStopped
	}

	j := job{ctx: ctx, probe: probe, reply: make(chan ProbeResult, 1)}
	select {
	case p.jobs <- j:
		return j.reply, nil
	default:
		return nil, ErrQueueFull
	}
}

// Process submits a probe and waits for its result.
func (p *Pipeline) Process(ctx context.Context, probe Probe) (ProbeResult, error) {
	reply, err := p.Submit(ctx, probe)
	if err != nil {
		return ProbeResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return ProbeResult{}, fmt.Errorf("waiting for probe result: %w", ctx.Err())
	}
}

// Stop refuses new probes and waits for queued and in-flight probes to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		res := p.handle(j.ctx, j.probe)
		j.reply <- res
		if p.observer != nil {
			p.observer(res)
		}
	}
}

// handle processes one probe. Failures are reported in the result and
// never stop the worker.
func (p *Pipeline) handle(parent context.Context, probe Probe) (res ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("probe for session %s panicked: %v", probe.SessionID, r)
			res = ProbeResult{SessionID: probe.SessionID, Outcome: OutcomeError, At: p.clock.Now(), Error: fmt.Sprint(r)}
		}
	}()

	sess, err := p.manager.Get(probe.SessionID)
	if err != nil {
		return ProbeResult{SessionID: probe.SessionID, Outcome: OutcomeError, At: p.clock.Now(), Error: err.Error()}
	}

	fail := func(outcome Outcome, err error) ProbeResult {
		r := ProbeResult{SessionID: sess.ID(), Outcome: outcome, At: p.clock.Now(), Error: err.Error()}
		sess.Reject(r)
		return r
	}

	snap, params, err := sess.MatchTarget(p.clock.Now())
	if err != nil {
		return fail(OutcomeFor(err), err)
	}

	ctx := parent
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, p.timeout)
		defer cancel()
	}

	emb := probe.Embedding
	if emb == nil {
		emb, err = p.encoder.Encode(ctx, probe.Image)
		if err != nil {
			return fail(encodingOutcome(ctx, err), err)
		}
	}

	match, err := p.matcher.Match(ctx, emb, snap, params)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fail(OutcomeEncodingTimeout, fmt.Errorf("%w: %v", encoder.ErrEncodingTimeout, err))
		case errors.Is(err, gallery.ErrDimensionMismatch), errors.Is(err, gallery.ErrInvalidEmbedding):
			return fail(OutcomeInvalidProbe, err)
		default:
			return fail(OutcomeError, err)
		}
	}

	// The commit itself is not bounded by the probe deadline.
	res, err = sess.Commit(context.WithoutCancel(ctx), match, p.clock.Now())
	if err != nil && res.Outcome == OutcomeError {
		log.Printf("session %s: %v", sess.ID(), err)
	}
	return res
}

func encodingOutcome(ctx context.Context, err error) Outcome {
	switch {
	case errors.Is(err, encoder.ErrEncodingTimeout), errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeEncodingTimeout
	default:
		return OutcomeEncodingFailed
	}
}
