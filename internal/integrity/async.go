package integrity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// AsyncOptions configures an AsyncLogger.
type AsyncOptions struct {
	Logger    *slog.Logger
	Workers   int
	QueueSize int
	// Timeout bounds a single insert. Zero means 10s.
	Timeout time.Duration
	// OnDone is called from a worker after every attempt.
	OnDone func(req LogRequest, b Block, err error)
}

// AsyncLogger appends completed turns off the request path.
//
// Submit never blocks. Jobs that do not fit in the queue are dropped and logged; a dropped
// turn only means the next continuation of that conversation is rejected.
type AsyncLogger struct {
	mgr     *Manager
	log     *slog.Logger
	timeout time.Duration
	onDone  func(LogRequest, Block, error)

	mu     sync.Mutex
	closed bool
	jobs   chan LogRequest
	wg     sync.WaitGroup
}

func NewAsyncLogger(mgr *Manager, opts AsyncOptions) *AsyncLogger {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &AsyncLogger{
		mgr:     mgr,
		log:     logger,
		timeout: timeout,
		onDone:  opts.OnDone,
		jobs:    make(chan LogRequest, size),
	}
	l.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go l.run()
	}
	return l
}

// Submit queues req and reports whether it was accepted.
func (l *AsyncLogger) Submit(req LogRequest) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.log.Warn("block log rejected after close", "chain_id", ShortID(req.BlockInfo.ChainID))
		return false
	}
	select {
	case l.jobs <- req:
		return true
	default:
		l.log.Warn("block log queue full, dropping block",
			"chain_id", ShortID(req.BlockInfo.ChainID),
			"block_index", req.BlockInfo.BlockIndex,
		)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish or ctx to end.
func (l *AsyncLogger) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.jobs)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *AsyncLogger) run() {
	defer l.wg.Done()
	for req := range l.jobs {
		l.handle(req)
	}
}

func (l *AsyncLogger) handle(req LogRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	b, err := l.mgr.LogConversationBlock(ctx, req)
	switch {
	case err == nil:
		l.log.Debug("block logged",
			"chain_id", ShortID(b.ChainID),
			"block_index", b.BlockIndex,
			"block_hash", ShortID(b.BlockHash),
		)
	case errors.Is(err, ErrDuplicateContext):
		l.log.Info("block already logged",
			"chain_id", ShortID(req.BlockInfo.ChainID),
			"block_index", req.BlockInfo.BlockIndex,
		)
	default:
		l.log.Error("block log failed",
			"chain_id", ShortID(req.BlockInfo.ChainID),
			"block_index", req.BlockInfo.BlockIndex,
			"error", err,
		)
	}
	if l.onDone != nil {
		l.onDone(req, b, err)
	}
}
