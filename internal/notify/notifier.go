// Package notify delivers outbound alerts off the frame loop.
//
// Send never blocks: requests go into a bounded queue served by a fixed
// worker pool. When the queue is full the oldest pending request is dropped.
// A token bucket caps sustained alert storms before they reach the queue.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrDropped is passed to OnError when a queued request is evicted to make
// room for a newer one.
var ErrDropped = errors.New("notify: request dropped from full queue")

type Request struct {
	Method   Method
	Endpoint string
	Payload  any
	// Key partitions the message on brokers that support it.
	Key        string
	Timeout    time.Duration
	OnResponse func(*Response)
	// OnError runs on a worker after a failed delivery.
	OnError func(error)
}

type Response struct {
	StatusCode int
	Body       []byte
}

type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
	Close() error
}

type Options struct {
	Workers        int
	QueueSize      int
	RatePerSec     float64
	Burst          int
	DefaultTimeout time.Duration
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

type Notifier struct {
	transport Transport
	logger    *slog.Logger
	limiter   *rate.Limiter
	timeout   time.Duration

	mu     sync.Mutex
	queue  chan Request
	closed bool
	wg     sync.WaitGroup

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func New(transport Transport, opts Options, logger *slog.Logger) *Notifier {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		transport: transport,
		logger:    logger.With("component", "notifier"),
		timeout:   opts.DefaultTimeout,
		queue:     make(chan Request, opts.QueueSize),
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	for i := 0; i < opts.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Send queues req and returns immediately. It reports false when the request
// was rejected by the rate limiter or the notifier is closed.
func (n *Notifier) Send(req Request) bool {
	if n.limiter != nil && !n.limiter.Allow() {
		n.dropped.Add(1)
		n.logger.Warn("notification rate exceeded, dropping", "endpoint", req.Endpoint)
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.dropped.Add(1)
		return false
	}
	for {
		select {
		case n.queue <- req:
			return true
		default:
		}
		select {
		case old := <-n.queue:
			n.dropped.Add(1)
			n.logger.Warn("notification queue full, dropping oldest", "endpoint", old.Endpoint)
			if old.OnError != nil {
				go old.OnError(ErrDropped)
			}
		default:
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for req := range n.queue {
		n.deliver(req)
	}
}

func (n *Notifier) deliver(req Request) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = n.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	started := time.Now()
	resp, err := n.transport.Do(ctx, req)
	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("notification failed",
			"method", req.Method.String(),
			"endpoint", req.Endpoint,
			"took", time.Since(started),
			"err", err,
		)
		if req.OnError != nil {
			req.OnError(err)
		}
		return
	}
	n.sent.Add(1)
	n.logger.Info("notification sent",
		"method", req.Method.String(),
		"endpoint", req.Endpoint,
		"status", resp.StatusCode,
	)
	if req.OnResponse != nil {
		req.OnResponse(resp)
	}
}

func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:    n.sent.Load(),
		Failed:  n.failed.Load(),
		Dropped: n.dropped.Load(),
		Queued:  len(n.queue),
	}
}

// Close stops accepting requests and waits for queued ones until ctx ends.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("notifier: workers still busy at shutdown")
	}
	if cerr := n.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
