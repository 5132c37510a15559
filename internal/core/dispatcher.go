package core

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orrn/cloudspool/internal/telemetry"
)

// JobUpdater pushes a job's status transition back to the cloud service.
// Implemented by the proxy orchestrator.
type JobUpdater interface {
	UpdateJob(ctx context.Context, job *PrintJob) error
}

type DispatcherConfig struct {
	AcceptedDomains []string
	// MaxAttempts bounds how many times a failed conversion is retried before
	// the job lands in ERROR with the failure message recorded.
	MaxAttempts int
	// ReminderWindow bounds job age for the first-deferral login reminder.
	ReminderWindow time.Duration
}

// Dispatcher owns the active job queue and the per-user deferred queues, and
// runs at most one drain goroutine at a time.
//
// The drain invariant rides on the pending counter: an Add that takes the
// counter from zero spawns the drainer; the drainer exits exactly when its
// decrement brings the counter back to zero. Work enqueued while draining is
// therefore always observed before the loop terminates, and concurrent Adds
// never start a second loop.
type Dispatcher struct {
	cfg      DispatcherConfig
	logger   *log.Logger
	fallback Converter
	convs    map[string]Converter

	updater  JobUpdater
	notifier Notifier

	pending int64

	mu       sync.Mutex
	queue    []*PrintJob
	deferred map[string][]*PrintJob
	closed   bool
}

func NewDispatcher(cfg DispatcherConfig, fallback Converter, logger *log.Logger) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = 72 * time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		fallback: fallback,
		convs:    make(map[string]Converter),
		deferred: make(map[string][]*PrintJob),
	}
}

// RegisterConverter binds a converter to one local queue name. Jobs for other
// printers use the fallback converter. Not safe to call after Add.
func (d *Dispatcher) RegisterConverter(printerName string, c Converter) {
	d.convs[printerName] = c
}

func (d *Dispatcher) SetUpdater(u JobUpdater) { d.updater = u }

func (d *Dispatcher) SetNotifier(n Notifier) { d.notifier = n }

// Add enqueues jobs and (re)starts the drain loop if it is not running.
// Safe for concurrent producers.
func (d *Dispatcher) Add(jobs ...*PrintJob) error {
	if len(jobs) == 0 {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue = append(d.queue, jobs...)
	d.mu.Unlock()

	n := int64(len(jobs))
	if atomic.AddInt64(&d.pending, n) == n {
		go d.drain()
	}
	return nil
}

// RestartDeferred moves all of a user's deferred jobs back onto the active
// queue, typically after the user authenticated locally. Returns how many
// jobs were requeued.
func (d *Dispatcher) RestartDeferred(username string) int {
	d.mu.Lock()
	jobs := d.deferred[username]
	delete(d.deferred, username)
	d.mu.Unlock()

	if len(jobs) == 0 {
		return 0
	}
	if err := d.Add(jobs...); err != nil {
		d.logger.Printf("dispatcher: could not requeue %d deferred jobs for %s: %v", len(jobs), username, err)
		return 0
	}
	telemetry.DeferredDepth.Sub(float64(len(jobs)))
	d.logger.Printf("dispatcher: requeued %d deferred jobs for %s", len(jobs), username)
	return len(jobs)
}

// Queued snapshots the active queue, optionally filtered by owner.
func (d *Dispatcher) Queued(username string) []*PrintJob {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*PrintJob, 0, len(d.queue))
	for _, j := range d.queue {
		if username == "" || j.Owner == username {
			out = append(out, j)
		}
	}
	return out
}

// Deferred snapshots the deferred queues, optionally filtered by owner.
func (d *Dispatcher) Deferred(username string) []*PrintJob {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*PrintJob
	for user, jobs := range d.deferred {
		if username == "" || user == username {
			out = append(out, jobs...)
		}
	}
	return out
}

// Close rejects further Adds. The running drain loop finishes its current job
// and observes the flag when it next acquires work.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Dispatcher) pop() (*PrintJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.queue) == 0 {
		return nil, false
	}
	job := d.queue[0]
	d.queue = d.queue[1:]
	return job, true
}

func (d *Dispatcher) drain() {
	for {
		job, ok := d.pop()
		if !ok {
			return
		}
		d.process(job)
		if atomic.AddInt64(&d.pending, -1) == 0 {
			return
		}
	}
}

func (d *Dispatcher) process(job *PrintJob) {
	// A job may have been cancelled or completed between enqueue and dequeue.
	if job.Status() != StatusQueued {
		return
	}

	conv := d.converterFor(job.PrinterName)
	if conv == nil {
		d.logger.Printf("dispatcher: no converter for printer %s, job %s held", job.PrinterName, job.ID)
		d.deferJob(job, false)
		return
	}

	if !d.eligible(conv, job) {
		d.deferJob(job, conv.NeedsUserAuth())
		return
	}

	job.SetStatus(StatusInProgress)
	d.update(job)

	if err := conv.Print(job); err != nil {
		d.handleFailure(job, err)
		return
	}

	job.SetStatus(StatusDone)
	d.update(job)
	telemetry.JobsProcessed.Inc()
}

func (d *Dispatcher) eligible(conv Converter, job *PrintJob) bool {
	if !d.acceptedDomain(job.Owner) {
		return false
	}
	if !conv.NeedsUserAuth() {
		return true
	}
	ok, err := conv.UserCanPrint(job.Owner)
	if err != nil {
		d.logger.Printf("dispatcher: user check for %s failed, deferring job %s: %v", job.Owner, job.ID, err)
		return false
	}
	return ok
}

func (d *Dispatcher) deferJob(job *PrintJob, remind bool) {
	firstAttempt := !job.DeliveryAttempted()
	job.SetDeliveryAttempted()

	d.mu.Lock()
	d.deferred[job.Owner] = append(d.deferred[job.Owner], job)
	d.mu.Unlock()

	telemetry.JobsDeferred.Inc()
	telemetry.DeferredDepth.Inc()

	if remind && firstAttempt && d.notifier != nil &&
		!job.CreatedAt.IsZero() && time.Since(job.CreatedAt) <= d.cfg.ReminderWindow {
		d.notifier.LoginReminder(job.Owner, job)
	}
}

func (d *Dispatcher) handleFailure(job *PrintJob, printErr error) {
	attempts := job.IncAttempts()
	if attempts >= d.cfg.MaxAttempts {
		job.SetError("print_failure", printErr.Error())
		job.SetStatus(StatusError)
		d.update(job)
		telemetry.JobsFailed.Inc()
		d.logger.Printf("dispatcher: job %s failed after %d attempts: %v", job.ID, attempts, printErr)
		return
	}

	d.logger.Printf("dispatcher: job %s print attempt %d failed, requeueing: %v", job.ID, attempts, printErr)
	job.SetStatus(StatusQueued)
	if err := d.Add(job); err != nil {
		d.logger.Printf("dispatcher: could not requeue job %s: %v", job.ID, err)
	}
}

func (d *Dispatcher) update(job *PrintJob) {
	if d.updater == nil {
		return
	}
	if err := d.updater.UpdateJob(context.Background(), job); err != nil {
		d.logger.Printf("dispatcher: status update for job %s failed: %v", job.ID, err)
	}
}

func (d *Dispatcher) converterFor(printerName string) Converter {
	if c, ok := d.convs[printerName]; ok {
		return c
	}
	return d.fallback
}

func (d *Dispatcher) acceptedDomain(owner string) bool {
	if len(d.cfg.AcceptedDomains) == 0 {
		return true
	}
	at := strings.LastIndex(owner, "@")
	if at < 0 {
		return false
	}
	domain := owner[at+1:]
	for _, d := range d.cfg.AcceptedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}
