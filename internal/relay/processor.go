package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
)

// State is the processor lifecycle. Transitions run Stopped -> Starting ->
// Running -> Stopping -> Stopped; Start and Stop reject calls from any other
// state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Handler consumes one feed batch. An error fails the batch: the checkpoint
// stays put and the same documents redeliver on the next poll.
type Handler interface {
	Name() string
	Handle(ctx context.Context, docs []*storage.Document) error
}

type Config struct {
	// Name identifies the processor; it keys the checkpoint and the lease.
	Name string

	// PollInterval defaults to 2s. Keep it under half the lease TTL so the
	// holder renews before expiry.
	PollInterval time.Duration

	// BatchSize caps documents per poll. Defaults to 100.
	BatchSize int
}

// Processor polls one container's change feed and hands each batch to its
// handlers in order. Only the lease holder polls.
type Processor struct {
	cfg         Config
	source      storage.Container
	checkpoints CheckpointStore
	coordinator Coordinator
	handlers    []Handler
	logger      *slog.Logger

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	leased bool
}

func NewProcessor(cfg Config, source storage.Container, checkpoints CheckpointStore, coordinator Coordinator, logger *slog.Logger, handlers ...Handler) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Processor{
		cfg:         cfg,
		source:      source,
		checkpoints: checkpoints,
		coordinator: coordinator,
		handlers:    handlers,
		logger:      logger.With("processor", cfg.Name),
	}
}

func (p *Processor) State() State {
	return State(p.state.Load())
}

// Start launches the poll loop. The loop also stops when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("relay: processor %s is %s, not stopped", p.cfg.Name, p.State())
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state.Store(int32(StateRunning))
	go p.run(runCtx)
	p.logger.Info("processor started", "poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize)
	return nil
}

// Stop drains the loop and waits for it to finish, bounded by ctx.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("relay: processor %s is %s, not running", p.cfg.Name, p.State())
	}
	p.cancel()
	select {
	case <-p.done:
		p.state.Store(int32(StateStopped))
		p.logger.Info("processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if p.leased {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = p.coordinator.Release(releaseCtx)
			cancel()
			p.leased = false
		}
		p.state.CompareAndSwap(int32(StateRunning), int32(StateStopped))
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	if !p.leased {
		ok, err := p.coordinator.Acquire(ctx)
		if err != nil {
			p.logger.Error("lease acquire failed", "err", err)
			return
		}
		if !ok {
			return
		}
		p.leased = true
		p.logger.Info("lease acquired")
	} else {
		ok, err := p.coordinator.Renew(ctx)
		if err != nil {
			p.logger.Error("lease renew failed", "err", err)
			p.leased = false
			return
		}
		if !ok {
			p.logger.Warn("lease lost")
			p.leased = false
			return
		}
	}
	_ = p.Poll(ctx)
}

// Poll handles one feed batch. The checkpoint advances only after every
// handler accepted the whole batch; a failure leaves it untouched so the
// batch redelivers.
func (p *Processor) Poll(ctx context.Context) error {
	position, err := p.checkpoints.Load(ctx, p.cfg.Name)
	if err != nil {
		p.logger.Error("checkpoint load failed", "err", err)
		return err
	}
	docs, err := p.source.Feed(ctx, position, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("feed read failed", "position", position, "err", err)
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	for _, h := range p.handlers {
		if err := h.Handle(ctx, docs); err != nil {
			p.logger.Error("handler failed, batch will redeliver",
				"handler", h.Name(), "position", position, "batch", len(docs), "err", err)
			return err
		}
	}

	next := docs[len(docs)-1].FeedSeq
	if err := p.checkpoints.Save(ctx, p.cfg.Name, next); err != nil {
		p.logger.Error("checkpoint save failed", "position", next, "err", err)
		return err
	}
	return nil
}
