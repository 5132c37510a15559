package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	ErrPrinterNotFound   = errors.New("printer not found")
	ErrPrinterIDAssigned = errors.New("printer remote id already assigned")
	ErrDispatcherClosed  = errors.New("dispatcher is closed")
	ErrAlreadyRunning    = errors.New("proxy already running")
	ErrNotRegistered     = errors.New("proxy is not registered")
	ErrRegistrationBusy  = errors.New("registration flow not allowed while running")
)

type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusDone       JobStatus = "DONE"
	StatusError      JobStatus = "ERROR"
)

// Printer is the portable descriptor for one local queue. Capability and
// default blobs are opaque; CapsHash fingerprints the capability blob so a
// remote update is only pushed when something actually changed.
type Printer struct {
	Name         string
	Description  string
	Capabilities []byte
	CapsHash     string
	Defaults     []byte
	Status       string

	mu       sync.Mutex
	remoteID string
}

// RemoteID returns the service-assigned printer ID, empty until registered.
func (p *Printer) RemoteID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

// SetRemoteID assigns the remote ID once. Reassigning to a different value
// fails; the mapping is immutable for the printer's lifetime.
func (p *Printer) SetRemoteID(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteID != "" && p.remoteID != id {
		return ErrPrinterIDAssigned
	}
	p.remoteID = id
	return nil
}

// HashCapabilities fingerprints an opaque capability blob.
func HashCapabilities(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// PrintJob is the local cached copy of one remote job, the single source of
// truth for in-proxy decisions. Status mutation is serialized by the job's
// own mutex; transitions are monotonic except for the explicit
// recovery-to-QUEUED path.
type PrintJob struct {
	ID          string
	PrinterID   string
	PrinterName string
	Title       string
	ContentType string
	FileURL     string
	TicketURL   string
	Owner       string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// DocumentPath and TicketPath point at the materialized local copies,
	// fetched once at ingestion.
	DocumentPath string
	TicketPath   string

	mu                sync.Mutex
	status            JobStatus
	errorCode         string
	errorMessage      string
	deliveryAttempted bool
	attempts          int
}

func NewPrintJob(id, printerID, printerName string) *PrintJob {
	return &PrintJob{
		ID:          id,
		PrinterID:   printerID,
		PrinterName: printerName,
		status:      StatusQueued,
	}
}

func (j *PrintJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *PrintJob) SetStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *PrintJob) Error() (code, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errorCode, j.errorMessage
}

func (j *PrintJob) SetError(code, message string) {
	j.mu.Lock()
	j.errorCode = code
	j.errorMessage = message
	j.mu.Unlock()
}

func (j *PrintJob) DeliveryAttempted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deliveryAttempted
}

func (j *PrintJob) SetDeliveryAttempted() {
	j.mu.Lock()
	j.deliveryAttempted = true
	j.mu.Unlock()
}

func (j *PrintJob) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *PrintJob) IncAttempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
	return j.attempts
}

// Converter turns a job's document and settings into printer-native output.
// Implementations are external collaborators selected per printer model.
// Converters must not mutate job status; that is owned by the dispatcher and
// orchestrator.
type Converter interface {
	// NeedsUserAuth reports whether jobs must wait for their owner to be
	// locally authenticated before printing.
	NeedsUserAuth() bool
	// UserCanPrint checks local authentication for a user. An error is
	// treated by the dispatcher as "not eligible", never propagated.
	UserCanPrint(username string) (bool, error)
	// Print delivers the job to the device. Blocking on child processes or
	// printer hardware is expected; jobs run one at a time.
	Print(job *PrintJob) error
}

// PrinterSource enumerates the printers the OS currently shares, as portable
// descriptors.
type PrinterSource interface {
	Printers() ([]*Printer, error)
}

// Notifier fires the login-reminder side effect when a fresh job is deferred
// for a user who has never been reminded about it.
type Notifier interface {
	LoginReminder(username string, job *PrintJob)
}
