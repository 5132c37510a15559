// Package notify delivers login reminders to an operator webhook. A reminder
// fires when a job is parked waiting for its owner to authenticate, so the
// endpoint can nudge the user out of band (mail, chat, whatever the operator
// wires up).
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/orrn/cloudspool/internal/core"
)

const (
	defaultRetryCount = 3
	defaultRetryDelay = 5 * time.Second
	defaultQueueSize  = 100
)

type reminderPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username"`
	JobID     string    `json:"job_id"`
	JobTitle  string    `json:"job_title"`
	Printer   string    `json:"printer"`
	Signature string    `json:"signature,omitempty"`
}

type reminderTask struct {
	payload *reminderPayload
	attempt int
}

// WebhookNotifier posts login reminders asynchronously. Delivery failures
// retry with exponential backoff; a full queue drops the reminder rather
// than stalling job dispatch.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	queue      chan *reminderTask
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	QueueSize  int
}

func NewWebhookNotifier(cfg Config) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = defaultRetryCount
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	return &WebhookNotifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		queue:      make(chan *reminderTask, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (n *WebhookNotifier) Start() {
	n.wg.Add(1)
	go n.worker()
}

func (n *WebhookNotifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// LoginReminder enqueues a reminder for the job's owner. It never blocks.
func (n *WebhookNotifier) LoginReminder(username string, job *core.PrintJob) {
	if n.url == "" {
		return
	}

	task := &reminderTask{
		payload: &reminderPayload{
			Event:     "login_reminder",
			Timestamp: time.Now(),
			Username:  username,
			JobID:     job.ID,
			JobTitle:  job.Title,
			Printer:   job.PrinterName,
		},
	}

	select {
	case n.queue <- task:
	default:
		log.Printf("[notify] queue full, dropping login reminder for %s (job %s)", username, job.ID)
	}
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopCh:
			return
		case task := <-n.queue:
			if err := n.sendWithRetry(task); err != nil {
				log.Printf("[notify] failed to send login reminder for %s after %d attempts: %v",
					task.payload.Username, task.attempt, err)
			}
		}
	}
}

func (n *WebhookNotifier) sendWithRetry(task *reminderTask) error {
	var lastErr error
	for task.attempt < n.retryCount {
		task.attempt++

		err := n.sendRequest(task.payload)
		if err == nil {
			return nil
		}

		lastErr = err

		if isClientError(err) {
			log.Printf("[notify] client error, not retrying: %v", err)
			return err
		}

		if task.attempt < n.retryCount {
			backoff := n.retryDelay * time.Duration(1<<(task.attempt-1))

			select {
			case <-n.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (n *WebhookNotifier) sendRequest(payload *reminderPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if n.secret != "" {
		payload.Signature = signPayload(body, n.secret)
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	req, err := http.NewRequest("POST", n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "http error: 4")
}
