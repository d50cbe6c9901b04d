package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/change-control/backend/internal/observability"
	"go.uber.org/zap"
)

// Notification asks the tracker to close an issue
type Notification struct {
	RequestID      uuid.UUID
	IssueReference string
	PRReference    string
}

// Config holds configuration for the Dispatcher
type Config struct {
	BufferSize    int           // Size of the notification buffer channel
	WorkerCount   int           // Number of concurrent workers
	NotifyTimeout time.Duration // Upper bound for one notification, retries included
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:    256,
		WorkerCount:   2,
		NotifyTimeout: 2 * time.Minute,
	}
}

// Dispatcher delivers notifications to a Bridge in the background. Enqueue
// never blocks and a delivery failure is only logged.
type Dispatcher struct {
	bridge      Bridge
	logger      *zap.Logger
	queue       chan Notification
	workerCount int
	bufferSize  int
	timeout     time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.Mutex
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(bridge Bridge, logger *zap.Logger, config Config) *Dispatcher {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = defaults.NotifyTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		bridge:      bridge,
		logger:      logger,
		queue:       make(chan Notification, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		timeout:     config.NotifyTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("tracker dispatcher already started")
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.started = true
	d.logger.Info("started tracker dispatcher",
		zap.String("bridge", d.bridge.Name()),
		zap.Int("worker_count", d.workerCount),
		zap.Int("buffer_size", d.bufferSize))

	return nil
}

// Stop stops accepting notifications and waits for queued ones to be delivered
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("tracker dispatcher not running")
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.logger.Info("stopping tracker dispatcher", zap.Int("pending_notifications", len(d.queue)))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("tracker dispatcher stopped gracefully")
		d.cancel()
		return nil
	case <-time.After(timeout):
		d.cancel()
		return fmt.Errorf("tracker dispatcher stop timeout after %v", timeout)
	}
}

// Enqueue queues a notification without blocking. Returns an error when the
// dispatcher is not running or the buffer is full; the notification is dropped.
func (d *Dispatcher) Enqueue(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		observability.RecordTrackerNotification("dropped")
		return fmt.Errorf("tracker dispatcher not running")
	}

	select {
	case d.queue <- n:
		return nil
	default:
		observability.RecordTrackerNotification("dropped")
		d.logger.Warn("tracker notification buffer full, dropping notification",
			zap.String("change_request_id", n.RequestID.String()),
			zap.String("issue_reference", n.IssueReference))
		return fmt.Errorf("tracker notification buffer full")
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for n := range d.queue {
		d.deliver(id, n)
	}
}

func (d *Dispatcher) deliver(workerID int, n Notification) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	if err := d.bridge.NotifyClosed(ctx, n.IssueReference); err != nil {
		observability.RecordTrackerNotification("failed")
		d.logger.Error("failed to notify issue tracker",
			zap.Int("worker_id", workerID),
			zap.Error(err),
			zap.String("bridge", d.bridge.Name()),
			zap.String("change_request_id", n.RequestID.String()),
			zap.String("issue_reference", n.IssueReference))
		return
	}

	observability.RecordTrackerNotification("sent")
	d.logger.Info("issue tracker notified",
		zap.String("bridge", d.bridge.Name()),
		zap.String("change_request_id", n.RequestID.String()),
		zap.String("issue_reference", n.IssueReference),
		zap.String("pr_reference", n.PRReference))
}

// Stats returns statistics about the dispatcher
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		BufferSize:           d.bufferSize,
		PendingNotifications: len(d.queue),
		WorkerCount:          d.workerCount,
		Started:              d.started && !d.stopped,
	}
}

// Stats represents dispatcher statistics
type Stats struct {
	BufferSize           int  `json:"buffer_size"`
	PendingNotifications int  `json:"pending_notifications"`
	WorkerCount          int  `json:"worker_count"`
	Started              bool `json:"started"`
}
