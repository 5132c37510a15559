package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConverter struct {
	needsAuth bool
	authErr   error

	mu      sync.Mutex
	allowed map[string]bool
	printed []string

	printErr   error
	inFlight   int32
	maxFlight  int32
	printedCh  chan string
	printDelay time.Duration
}

func newFakeConverter() *fakeConverter {
	return &fakeConverter{
		allowed:   map[string]bool{},
		printedCh: make(chan string, 128),
	}
}

func (f *fakeConverter) NeedsUserAuth() bool { return f.needsAuth }

func (f *fakeConverter) UserCanPrint(username string) (bool, error) {
	if f.authErr != nil {
		return false, f.authErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[username], nil
}

func (f *fakeConverter) allow(username string) {
	f.mu.Lock()
	f.allowed[username] = true
	f.mu.Unlock()
}

func (f *fakeConverter) Print(job *PrintJob) error {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxFlight, max, n) {
			break
		}
	}
	if f.printDelay > 0 {
		time.Sleep(f.printDelay)
	}
	atomic.AddInt32(&f.inFlight, -1)

	if f.printErr != nil {
		return f.printErr
	}

	f.mu.Lock()
	f.printed = append(f.printed, job.ID)
	f.mu.Unlock()
	f.printedCh <- job.ID
	return nil
}

type recordingUpdater struct {
	mu       sync.Mutex
	statuses map[string][]JobStatus
}

func newRecordingUpdater() *recordingUpdater {
	return &recordingUpdater{statuses: map[string][]JobStatus{}}
}

func (u *recordingUpdater) UpdateJob(_ context.Context, job *PrintJob) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses[job.ID] = append(u.statuses[job.ID], job.Status())
	return nil
}

func (u *recordingUpdater) history(jobID string) []JobStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]JobStatus(nil), u.statuses[jobID]...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	reminders []string
}

func (n *recordingNotifier) LoginReminder(username string, _ *PrintJob) {
	n.mu.Lock()
	n.reminders = append(n.reminders, username)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reminders)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcherDeliversQueuedJobs(t *testing.T) {
	conv := newFakeConverter()
	upd := newRecordingUpdater()
	d := NewDispatcher(DispatcherConfig{}, conv, nil)
	d.SetUpdater(upd)

	job := NewPrintJob("j1", "p1", "office")
	job.Owner = "user@example.com"
	job.CreatedAt = time.Now()

	if err := d.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return job.Status() == StatusDone })

	got := upd.history("j1")
	want := []JobStatus{StatusInProgress, StatusDone}
	if len(got) != len(want) {
		t.Fatalf("status history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status history = %v, want %v", got, want)
		}
	}
}

func TestDispatcherSingleDrainLoop(t *testing.T) {
	conv := newFakeConverter()
	conv.printDelay = time.Millisecond
	d := NewDispatcher(DispatcherConfig{}, conv, nil)

	const producers = 8
	const perProducer = 10

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				job := NewPrintJob(fmt.Sprintf("j-%d-%d", p, i), "p1", "office")
				job.Owner = "user@example.com"
				if err := d.Add(job); err != nil {
					t.Errorf("Add: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool {
		conv.mu.Lock()
		defer conv.mu.Unlock()
		return len(conv.printed) == producers*perProducer
	})

	if max := atomic.LoadInt32(&conv.maxFlight); max != 1 {
		t.Fatalf("observed %d concurrent prints, want 1", max)
	}
}

func TestDispatcherDefersUntilLogin(t *testing.T) {
	conv := newFakeConverter()
	conv.needsAuth = true
	notifier := &recordingNotifier{}
	d := NewDispatcher(DispatcherConfig{}, conv, nil)
	d.SetNotifier(notifier)

	job := NewPrintJob("j1", "p1", "office")
	job.Owner = "alice@example.com"
	job.CreatedAt = time.Now()

	if err := d.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(d.Deferred("alice@example.com")) == 1 })

	if job.Status() != StatusQueued {
		t.Fatalf("deferred job status = %s, want QUEUED", job.Status())
	}
	if notifier.count() != 1 {
		t.Fatalf("reminders = %d, want 1", notifier.count())
	}

	// Releasing and re-deferring must not remind twice.
	if n := d.RestartDeferred("alice@example.com"); n != 1 {
		t.Fatalf("RestartDeferred = %d, want 1", n)
	}
	waitFor(t, 2*time.Second, func() bool { return len(d.Deferred("alice@example.com")) == 1 })
	if notifier.count() != 1 {
		t.Fatalf("reminders after second deferral = %d, want 1", notifier.count())
	}

	conv.allow("alice@example.com")
	if n := d.RestartDeferred("alice@example.com"); n != 1 {
		t.Fatalf("RestartDeferred = %d, want 1", n)
	}

	waitFor(t, 2*time.Second, func() bool { return job.Status() == StatusDone })
}

func TestDispatcherSkipsReminderOutsideWindow(t *testing.T) {
	conv := newFakeConverter()
	conv.needsAuth = true
	notifier := &recordingNotifier{}
	d := NewDispatcher(DispatcherConfig{ReminderWindow: time.Hour}, conv, nil)
	d.SetNotifier(notifier)

	job := NewPrintJob("j1", "p1", "office")
	job.Owner = "bob@example.com"
	job.CreatedAt = time.Now().Add(-2 * time.Hour)

	if err := d.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(d.Deferred("bob@example.com")) == 1 })
	if notifier.count() != 0 {
		t.Fatalf("reminders = %d, want 0", notifier.count())
	}
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	conv := newFakeConverter()
	conv.printErr = errors.New("paper jam")
	upd := newRecordingUpdater()
	d := NewDispatcher(DispatcherConfig{MaxAttempts: 3}, conv, nil)
	d.SetUpdater(upd)

	job := NewPrintJob("j1", "p1", "office")
	job.Owner = "user@example.com"

	if err := d.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return job.Status() == StatusError })

	if got := job.Attempts(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	code, msg := job.Error()
	if code != "print_failure" {
		t.Fatalf("error code = %q, want print_failure", code)
	}
	if msg != "paper jam" {
		t.Fatalf("error message = %q", msg)
	}

	history := upd.history("j1")
	if len(history) == 0 || history[len(history)-1] != StatusError {
		t.Fatalf("status history = %v, want terminal ERROR", history)
	}
}

func TestDispatcherRejectsForeignDomain(t *testing.T) {
	conv := newFakeConverter()
	d := NewDispatcher(DispatcherConfig{AcceptedDomains: []string{"example.com"}}, conv, nil)

	job := NewPrintJob("j1", "p1", "office")
	job.Owner = "mallory@evil.test"

	if err := d.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(d.Deferred("mallory@evil.test")) == 1 })
	if job.Status() != StatusQueued {
		t.Fatalf("status = %s, want QUEUED", job.Status())
	}
}

func TestDispatcherUserCheckErrorDefers(t *testing.T) {
	conv := newFakeConverter()
	conv.needsAuth = true
	conv.authErr = errors.New("directory unavailable")
	d := NewDispatcher(DispatcherConfig{}, conv, nil)

	job := NewPrintJob("j1", "p1", "office")
	job.Owner = "carol@example.com"

	if err := d.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(d.Deferred("carol@example.com")) == 1 })
}

func TestDispatcherCloseRejectsAdd(t *testing.T) {
	conv := newFakeConverter()
	d := NewDispatcher(DispatcherConfig{}, conv, nil)
	d.Close()

	err := d.Add(NewPrintJob("j1", "p1", "office"))
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Add after Close = %v, want ErrDispatcherClosed", err)
	}
}
