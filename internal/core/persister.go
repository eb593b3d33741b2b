package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gwi.com/chat-shell/internal/logging"
	"gwi.com/chat-shell/internal/metrics"
	"gwi.com/chat-shell/internal/store"
)

// PersisterConfig tunes the background writer.
type PersisterConfig struct {
	Key string
	// WritesPerSecond caps slot writes. States scheduled while the writer
	// waits are coalesced into the newest one. Zero disables the cap.
	WritesPerSecond float64
	// WriteTimeout bounds a single slot write.
	WriteTimeout time.Duration
}

type pendingWrite struct {
	seq   uint64
	state State
}

// Persister writes full-state snapshots to a KV slot on a background goroutine.
// Schedule never blocks; only the most recently scheduled state is guaranteed
// to be written. Write failures are logged and counted, never returned.
type Persister struct {
	kv      store.KV
	cfg     PersisterConfig
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	latest    *pendingWrite
	scheduled uint64
	completed uint64
	progress  chan struct{} // closed and replaced after each write attempt
	closed    bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPersister(kv store.KV, cfg PersisterConfig, logger *logging.Logger, m *metrics.Metrics) *Persister {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultPersistKey
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		kv:       kv,
		cfg:      cfg,
		logger:   logger.Named("persister").With(zap.String("key", cfg.Key)),
		metrics:  m,
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.WritesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), 1)
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Schedule queues st for writing, replacing any state still waiting.
func (p *Persister) Schedule(st State) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug("Persister closed, dropping state")
		return
	}
	if p.latest != nil {
		p.metrics.RecordPersistSuperseded()
	}
	p.scheduled++
	p.latest = &pendingWrite{seq: p.scheduled, state: st}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every state scheduled before the call has been written,
// superseded by a later write, or failed.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	target := p.scheduled
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.completed >= target {
			p.mu.Unlock()
			return nil
		}
		progress := p.progress
		p.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting states, waits for the pending write and stops the goroutine.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.Flush(ctx)
	if err != nil {
		p.logger.Warn("Pending state not written before close", zap.Error(err))
	}
	p.cancel()
	p.wg.Wait()
	return err
}

func (p *Persister) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
		}

		p.mu.Lock()
		w := p.latest
		p.latest = nil
		p.mu.Unlock()
		if w == nil {
			continue
		}
		p.write(w)
	}
}

func (p *Persister) write(w *pendingWrite) {
	start := time.Now()
	err := p.writeState(w.state)
	duration := time.Since(start)
	p.metrics.RecordPersistWrite(duration, err)

	if err != nil {
		p.logger.Warn("Failed to persist state", zap.Uint64("seq", w.seq), zap.Error(err))
	} else if duration > 100*time.Millisecond {
		p.logger.Warn("Slow state write", zap.Uint64("seq", w.seq), zap.Duration("duration", duration))
	} else {
		p.logger.Debug("State persisted", zap.Uint64("seq", w.seq), zap.Duration("duration", duration))
	}

	p.mu.Lock()
	p.completed = w.seq
	close(p.progress)
	p.progress = make(chan struct{})
	p.mu.Unlock()
}

func (p *Persister) writeState(st State) error {
	data, err := EncodeState(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.WriteTimeout)
	defer cancel()
	return p.kv.Set(ctx, p.cfg.Key, data)
}
