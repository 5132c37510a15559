package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orrn/cloudspool/internal/cdd"
	"github.com/orrn/cloudspool/internal/store"
	"github.com/orrn/cloudspool/internal/telemetry"
)

// CloudService is the remote side of the proxy, implemented by cloud.Client.
type CloudService interface {
	RegisterPrinter(ctx context.Context, p *cdd.Printer) (*cdd.Printer, error)
	UpdatePrinter(ctx context.Context, p *cdd.Printer) error
	DeletePrinter(ctx context.Context, printerID string) error
	ListPrinters(ctx context.Context) ([]cdd.Printer, error)
	FetchJobs(ctx context.Context, printerID string) ([]cdd.Job, error)
	Control(ctx context.Context, jobID, status, errorCode, errorMessage string) error
	Download(ctx context.Context, srcURL, destPath string) error
	CreateClaim(ctx context.Context, p *cdd.Printer) (*cdd.AuthCodeResponse, error)
	PollClaim(ctx context.Context, token string) (*cdd.AuthCodeResponse, error)
}

// PushSession is a live push channel connection.
type PushSession interface {
	Quit()
	QuitAndJoin() error
}

// PushConnector dials the push channel, subscribes the job channel, and
// reports termination through onDone. The subscribed flag tells the owner
// whether subscriptions had ever been established on the session, which
// decides reconnect-versus-stop.
type PushConnector func(onPush func(data []byte), onDone func(err error, subscribed bool)) (PushSession, error)

type ProxyConfig struct {
	ProxyID           string
	DataDir           string
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	ReconcileMinGap   time.Duration
}

// Proxy is the coordinating object for one cloud account: it owns the OAuth
// state, the periodic printer reconciliation, and the job fetch/update
// cycles, and it wires push notifications into job refreshes.
type Proxy struct {
	cfg        ProxyConfig
	logger     *log.Logger
	svc        CloudService
	store      *store.Store
	registry   *Registry
	dispatcher *Dispatcher

	connectPush PushConnector
	exchange    func(ctx context.Context, authCode string) (string, error)

	// mu is the lifecycle lock: start, stop, and the registration flow.
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	push    PushSession
	claim   *cdd.AuthCodeResponse

	// opMu serializes reconciliation passes; timer ticks and push-triggered
	// refreshes all funnel through it.
	opMu            sync.Mutex
	printersLimiter *rate.Limiter
	jobsLimiter     *rate.Limiter
	lastDiff        *Diff
	remoteFetched   bool
	remote          map[string]RemotePrinter

	jobsMu sync.Mutex
	jobs   map[string]*PrintJob
}

func NewProxy(cfg ProxyConfig, svc CloudService, st *store.Store, reg *Registry, disp *Dispatcher, logger *log.Logger) *Proxy {
	if cfg.ReconcileMinGap <= 0 {
		cfg.ReconcileMinGap = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}

	p := &Proxy{
		cfg:             cfg,
		logger:          logger,
		svc:             svc,
		store:           st,
		registry:        reg,
		dispatcher:      disp,
		printersLimiter: rate.NewLimiter(rate.Every(cfg.ReconcileMinGap), 1),
		jobsLimiter:     rate.NewLimiter(rate.Every(cfg.ReconcileMinGap), 1),
		jobs:            make(map[string]*PrintJob),
	}
	disp.SetUpdater(p)
	return p
}

func (p *Proxy) SetPushConnector(fn PushConnector) { p.connectPush = fn }

// SetExchange installs the OAuth authorization-code exchange used by
// AcceptAuthCode.
func (p *Proxy) SetExchange(fn func(ctx context.Context, authCode string) (string, error)) {
	p.exchange = fn
}

// Start arms the periodic printer reconciliation and either connects the push
// channel or arms the job poll timer; the two strategies are mutually
// exclusive. Requires a durable refresh token and completed acceptance on
// record. Idempotent.
func (p *Proxy) Start(usePush bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	ctx := context.Background()
	if _, err := p.store.Setting(ctx, store.SettingRefreshToken); err != nil {
		return fmt.Errorf("%w: no refresh token on record", ErrNotRegistered)
	}
	if v, err := p.store.Setting(ctx, store.SettingAccepted); err != nil || v != "true" {
		return fmt.Errorf("%w: registration was never accepted", ErrNotRegistered)
	}

	p.stopCh = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.reconcileLoop()

	if usePush && p.connectPush != nil {
		p.startPush()
	} else {
		p.wg.Add(1)
		go p.pollLoop()
	}
	return nil
}

// Stop tears the proxy down: timers first, then the push session. Safe to
// call repeatedly.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	push := p.push
	p.push = nil
	p.mu.Unlock()

	p.wg.Wait()
	if push != nil {
		if err := push.QuitAndJoin(); err != nil {
			p.logger.Printf("proxy: push channel closed with error: %v", err)
		}
	}
}

func (p *Proxy) reconcileLoop() {
	defer p.wg.Done()

	// first pass runs immediately so a restart converges without waiting a
	// full interval
	if _, err := p.ReconcilePrinters(context.Background()); err != nil {
		p.logger.Printf("proxy: printer reconciliation failed: %v", err)
	}

	ticker := time.NewTicker(p.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.ReconcilePrinters(context.Background()); err != nil {
				p.logger.Printf("proxy: printer reconciliation failed: %v", err)
			}
		}
	}
}

func (p *Proxy) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.ReconcileJobs(context.Background(), ""); err != nil {
				p.logger.Printf("proxy: job poll failed: %v", err)
			}
		}
	}
}

func (p *Proxy) startPush() {
	session, err := p.connectPush(p.onPush, p.onPushDone)
	if err != nil {
		p.logger.Printf("proxy: push channel connect failed: %v", err)
		return
	}
	p.push = session
}

func (p *Proxy) onPush(data []byte) {
	printerID := strings.TrimSpace(string(data))
	if printerID == "" {
		return
	}
	// the handler runs on the push client's dispatch goroutine; do the
	// network round trips elsewhere
	go func() {
		if err := p.ReconcileJobs(context.Background(), printerID); err != nil {
			p.logger.Printf("proxy: push-triggered job refresh for %s failed: %v", printerID, err)
		}
	}()
}

// onPushDone applies the owner reconnect policy: a cleanly cancelled session,
// or one that never established its subscriptions, stops for good; a faulted
// session that had been subscribed is re-dialed, redoing subscriptions from
// scratch.
func (p *Proxy) onPushDone(err error, subscribed bool) {
	p.mu.Lock()
	running := p.running
	p.push = nil
	p.mu.Unlock()

	if err == nil || !running {
		p.logger.Printf("proxy: push channel stopped")
		return
	}
	if !subscribed {
		p.logger.Printf("proxy: push channel failed before subscriptions were established, giving up: %v", err)
		return
	}

	p.logger.Printf("proxy: push channel failed, reconnecting: %v", err)
	telemetry.PushRestarts.Inc()

	p.mu.Lock()
	if p.running {
		p.startPush()
	}
	p.mu.Unlock()
}

// ReconcilePrinters diffs the live local printer set against the remote
// service's view and converges the remote side: unseen printers are
// registered, changed ones updated, vanished ones deleted. Calls inside the
// rate-limit window return the previous pass's diff untouched. A full job
// refresh is triggered afterward.
func (p *Proxy) ReconcilePrinters(ctx context.Context) (*Diff, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if !p.printersLimiter.Allow() {
		return p.lastDiff, nil
	}
	telemetry.ReconcilePasses.Inc()

	if !p.remoteFetched {
		list, err := p.svc.ListPrinters(ctx)
		if err != nil {
			return nil, err
		}
		p.remote = make(map[string]RemotePrinter, len(list))
		for _, rp := range list {
			p.remote[rp.Name] = RemotePrinter{ID: rp.ID, Name: rp.Name, CapsHash: rp.CapsHash, Status: rp.Status}
		}
		p.remoteFetched = true
	}

	diff, err := p.registry.Refresh(p.remote)
	if err != nil {
		return nil, fmt.Errorf("printer enumeration failed: %w", err)
	}

	for _, lp := range diff.Register {
		registered, err := p.svc.RegisterPrinter(ctx, printerWire(lp))
		if err != nil {
			return nil, err
		}
		if err := lp.SetRemoteID(registered.ID); err != nil {
			return nil, err
		}
		if err := p.store.AssignPrinterID(ctx, lp.Name, registered.ID); err != nil {
			p.logger.Printf("proxy: could not persist remote id for %s: %v", lp.Name, err)
		}
		p.remote[lp.Name] = RemotePrinter{ID: registered.ID, Name: lp.Name, CapsHash: lp.CapsHash, Status: lp.Status}
		p.logger.Printf("proxy: registered printer %s as %s", lp.Name, registered.ID)
	}

	for _, lp := range diff.Update {
		if err := p.svc.UpdatePrinter(ctx, printerWire(lp)); err != nil {
			return nil, err
		}
		p.remote[lp.Name] = RemotePrinter{ID: lp.RemoteID(), Name: lp.Name, CapsHash: lp.CapsHash, Status: lp.Status}
		p.logger.Printf("proxy: updated printer %s", lp.Name)
	}

	for _, id := range diff.Delete {
		if err := p.svc.DeletePrinter(ctx, id); err != nil {
			return nil, err
		}
		for name, rp := range p.remote {
			if rp.ID == id {
				delete(p.remote, name)
				if err := p.store.RemovePrinter(ctx, name); err != nil {
					p.logger.Printf("proxy: could not forget printer %s: %v", name, err)
				}
				break
			}
		}
		p.logger.Printf("proxy: deleted remote printer %s", id)
	}

	p.lastDiff = diff

	if err := p.reconcileJobs(ctx, ""); err != nil {
		return diff, err
	}
	return diff, nil
}

// ReconcileJobs fetches the job list for one printer (by remote ID) or, with
// an empty argument, for every registered printer. Rate-limited like printer
// reconciliation.
func (p *Proxy) ReconcileJobs(ctx context.Context, printerID string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if !p.jobsLimiter.Allow() {
		return nil
	}
	return p.reconcileJobs(ctx, printerID)
}

func (p *Proxy) reconcileJobs(ctx context.Context, printerID string) error {
	var printers []*Printer
	if printerID != "" {
		pr, ok := p.registry.PrinterByRemoteID(printerID)
		if !ok {
			return fmt.Errorf("%w: remote id %s", ErrPrinterNotFound, printerID)
		}
		printers = []*Printer{pr}
	} else {
		printers = p.registry.Snapshot()
	}

	for _, pr := range printers {
		id := pr.RemoteID()
		if id == "" {
			continue
		}
		jobs, err := p.svc.FetchJobs(ctx, id)
		if err != nil {
			return err
		}
		p.ingest(ctx, pr, jobs)
	}
	return nil
}

// ingest materializes newly seen jobs and hands them to the dispatcher. A job
// already in the local cache is left alone; fetching twice never repeats the
// materialization side effects. Jobs found in ERROR or IN_PROGRESS are
// assumed lost in flight and forced back to QUEUED.
func (p *Proxy) ingest(ctx context.Context, printer *Printer, jobs []cdd.Job) {
	for _, w := range jobs {
		p.jobsMu.Lock()
		_, known := p.jobs[w.ID]
		p.jobsMu.Unlock()
		if known {
			continue
		}

		job := NewPrintJob(w.ID, w.PrinterID, printer.Name)
		job.Title = w.Title
		job.ContentType = w.ContentType
		job.FileURL = w.FileURL
		job.TicketURL = w.TicketURL
		job.Owner = w.OwnerID
		if w.CreateTime > 0 {
			job.CreatedAt = time.UnixMilli(w.CreateTime)
		}
		if w.UpdateTime > 0 {
			job.UpdatedAt = time.UnixMilli(w.UpdateTime)
		}

		switch w.Status {
		case string(StatusQueued):
			// normal case
		case string(StatusError), string(StatusInProgress):
			p.logger.Printf("proxy: recovering job %s from %s back to QUEUED", w.ID, w.Status)
			if err := p.svc.Control(ctx, w.ID, string(StatusQueued), "", ""); err != nil {
				p.logger.Printf("proxy: could not reset job %s remotely: %v", w.ID, err)
			}
		default:
			continue
		}

		if err := p.materialize(ctx, job); err != nil {
			p.logger.Printf("proxy: could not materialize job %s, will retry on next fetch: %v", w.ID, err)
			continue
		}

		p.journal(ctx, job)

		p.jobsMu.Lock()
		p.jobs[job.ID] = job
		p.jobsMu.Unlock()

		telemetry.JobsIngested.Inc()
		if err := p.dispatcher.Add(job); err != nil {
			p.logger.Printf("proxy: could not enqueue job %s: %v", job.ID, err)
		}
	}
}

func (p *Proxy) materialize(ctx context.Context, job *PrintJob) error {
	if err := os.MkdirAll(p.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	docPath := filepath.Join(p.cfg.DataDir, job.ID+".doc")
	if err := p.svc.Download(ctx, job.FileURL, docPath); err != nil {
		return err
	}
	job.DocumentPath = docPath

	if job.TicketURL != "" {
		ticketPath := filepath.Join(p.cfg.DataDir, job.ID+".ticket")
		if err := p.svc.Download(ctx, job.TicketURL, ticketPath); err != nil {
			return err
		}
		job.TicketPath = ticketPath
	}
	return nil
}

// UpdateJob pushes a job's current status to the remote service. On reaching
// DONE the local cache entry and materialized files are evicted, but only
// after the remote call succeeded.
func (p *Proxy) UpdateJob(ctx context.Context, job *PrintJob) error {
	code, msg := job.Error()
	if err := p.svc.Control(ctx, job.ID, string(job.Status()), code, msg); err != nil {
		return err
	}

	p.journal(ctx, job)

	if job.Status() == StatusDone {
		p.jobsMu.Lock()
		delete(p.jobs, job.ID)
		p.jobsMu.Unlock()

		if job.DocumentPath != "" {
			os.Remove(job.DocumentPath)
		}
		if job.TicketPath != "" {
			os.Remove(job.TicketPath)
		}
	}
	return nil
}

func (p *Proxy) journal(ctx context.Context, job *PrintJob) {
	code, msg := job.Error()
	err := p.store.AppendJournal(ctx, store.JournalEntry{
		JobID:        job.ID,
		Status:       string(job.Status()),
		ErrorCode:    code,
		ErrorMessage: msg,
	})
	if err != nil {
		p.logger.Printf("proxy: journal write for job %s failed: %v", job.ID, err)
	}
}

// Jobs snapshots the local job cache.
func (p *Proxy) Jobs() []*PrintJob {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	out := make([]*PrintJob, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j)
	}
	return out
}

func (p *Proxy) Job(id string) (*PrintJob, bool) {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	j, ok := p.jobs[id]
	return j, ok
}

// Register starts the proxy claim flow, using one local printer as the
// claim's signature. Mutually exclusive with Start; registering twice fails
// fast.
func (p *Proxy) Register(ctx context.Context) (*cdd.AuthCodeResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil, ErrRegistrationBusy
	}
	if _, err := p.store.Setting(ctx, store.SettingRefreshToken); err == nil {
		return nil, errors.New("proxy is already registered")
	}
	if p.claim != nil {
		return nil, errors.New("registration already in progress")
	}

	local, err := p.registry.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("printer enumeration failed: %w", err)
	}
	if len(local) == 0 {
		return nil, errors.New("no local printer available to sign the claim")
	}

	resp, err := p.svc.CreateClaim(ctx, printerWire(local[0]))
	if err != nil {
		return nil, err
	}
	p.claim = resp
	return resp, nil
}

// RequestAuthCode polls whether a user completed the pending claim.
func (p *Proxy) RequestAuthCode(ctx context.Context) (*cdd.AuthCodeResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.claim == nil {
		return nil, errors.New("no registration in progress")
	}

	resp, err := p.svc.PollClaim(ctx, p.claim.RegistrationToken)
	if err != nil {
		return nil, err
	}
	if resp.AuthorizationCode != "" {
		p.claim.AuthorizationCode = resp.AuthorizationCode
		p.claim.Email = resp.Email
		p.claim.XMPPJID = resp.XMPPJID
	}
	return resp, nil
}

// AcceptAuthCode confirms the claiming identity and completes registration:
// the authorization code is exchanged for the durable refresh token and the
// account state is persisted.
func (p *Proxy) AcceptAuthCode(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.claim == nil || p.claim.AuthorizationCode == "" {
		return errors.New("no completed claim to accept")
	}
	if !strings.EqualFold(p.claim.Email, email) {
		return fmt.Errorf("claiming user %s does not match %s", p.claim.Email, email)
	}
	if p.exchange == nil {
		return errors.New("no token exchange configured")
	}

	refresh, err := p.exchange(ctx, p.claim.AuthorizationCode)
	if err != nil {
		return err
	}

	if err := p.store.SetSetting(ctx, store.SettingRefreshToken, refresh); err != nil {
		return err
	}
	if err := p.store.SetSetting(ctx, store.SettingUserEmail, p.claim.Email); err != nil {
		return err
	}
	if p.claim.XMPPJID != "" {
		if err := p.store.SetSetting(ctx, store.SettingXMPPJID, p.claim.XMPPJID); err != nil {
			return err
		}
	}
	if err := p.store.SetSetting(ctx, store.SettingAccepted, "true"); err != nil {
		return err
	}

	p.claim = nil
	return nil
}

// ClearAuthCode aborts a pending registration and wipes any partial state.
func (p *Proxy) ClearAuthCode(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.claim = nil
	for _, key := range []string{store.SettingRefreshToken, store.SettingUserEmail, store.SettingXMPPJID, store.SettingAccepted} {
		if err := p.store.DeleteSetting(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func printerWire(p *Printer) *cdd.Printer {
	return &cdd.Printer{
		ID:           p.RemoteID(),
		Name:         p.Name,
		Description:  p.Description,
		Capabilities: p.Capabilities,
		CapsHash:     p.CapsHash,
		Defaults:     p.Defaults,
		Status:       p.Status,
	}
}
