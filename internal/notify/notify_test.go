package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/cloudspool/internal/core"
)

func TestLoginReminderDelivery(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if got := r.Header.Get("X-Webhook-Event"); got != "login_reminder" {
			t.Errorf("event header = %q", got)
		}

		var payload struct {
			Signature string `json:"signature"`
		}
		json.Unmarshal(body, &payload)
		if payload.Signature == "" {
			t.Error("payload is unsigned")
		}
		if got := r.Header.Get("X-Webhook-Signature"); got != payload.Signature {
			t.Errorf("signature header %q != payload %q", got, payload.Signature)
		}

		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(Config{URL: srv.URL, Secret: "s3cret"})
	n.Start()
	defer n.Stop()

	job := core.NewPrintJob("j1", "r-1", "office")
	job.Title = "quarterly report"
	n.LoginReminder("alice@example.com", job)

	select {
	case body := <-received:
		var payload struct {
			Event    string `json:"event"`
			Username string `json:"username"`
			JobID    string `json:"job_id"`
			JobTitle string `json:"job_title"`
			Printer  string `json:"printer"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if payload.Event != "login_reminder" || payload.Username != "alice@example.com" ||
			payload.JobID != "j1" || payload.JobTitle != "quarterly report" || payload.Printer != "office" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reminder never delivered")
	}
}

func TestLoginReminderRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(Config{URL: srv.URL, RetryCount: 3, RetryDelay: time.Millisecond})
	n.Start()
	defer n.Stop()

	n.LoginReminder("bob@example.com", core.NewPrintJob("j1", "r-1", "office"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&calls) == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("calls = %d, want 3", atomic.LoadInt64(&calls))
}

func TestLoginReminderGivesUpOnClientError(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(Config{URL: srv.URL, RetryCount: 3, RetryDelay: time.Millisecond})
	n.Start()
	defer n.Stop()

	n.LoginReminder("bob@example.com", core.NewPrintJob("j1", "r-1", "office"))

	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (4xx must not retry)", got)
	}
}

func TestSignatureCoversMessageBody(t *testing.T) {
	body := []byte(`{"event":"login_reminder"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := signPayload(body, "s3cret"); got != want {
		t.Fatalf("signPayload = %q, want %q", got, want)
	}
}
