package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/cloudspool/internal/cdd"
)

func testTokenEndpoint(tokenRequests *int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(tokenRequests, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "access-1",
			"expires_in":   3600,
		})
	}
}

func TestClientFetchJobs(t *testing.T) {
	var tokenRequests int64

	mux := http.NewServeMux()
	mux.HandleFunc("/token", testTokenEndpoint(&tokenRequests))
	mux.HandleFunc("/fetch", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-CloudPrint-Proxy"); got != "proxy-1" {
			t.Errorf("proxy header = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostFormValue("printerid"); got != "r-office" {
			t.Errorf("printerid = %q", got)
		}
		w.Write([]byte(`{"success": true, "jobs": [
			{"id": "j1", "printerid": "r-office", "title": "report", "status": "QUEUED"}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ticket := NewTicket(srv.URL+"/token", "cid", "secret", "refresh-1", nil)
	c := NewClient(srv.URL, "proxy-1", ticket, 5*time.Second)

	jobs, err := c.FetchJobs(context.Background(), "r-office")
	if err != nil {
		t.Fatalf("FetchJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" || jobs[0].Title != "report" {
		t.Fatalf("jobs = %+v", jobs)
	}

	// second call reuses the cached access token
	if _, err := c.FetchJobs(context.Background(), "r-office"); err != nil {
		t.Fatalf("second FetchJobs: %v", err)
	}
	if n := atomic.LoadInt64(&tokenRequests); n != 1 {
		t.Fatalf("token requests = %d, want 1", n)
	}
}

func TestClientServiceRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "printer quota exceeded"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proxy-1", nil, 5*time.Second)

	_, err := c.ListPrinters(context.Background())
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if svcErr.Message != "printer quota exceeded" {
		t.Fatalf("message = %q", svcErr.Message)
	}
}

func TestClientRegisterPrinter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("printer"); got != "office" {
			t.Errorf("printer = %q", got)
		}
		if got := r.FormValue("capabilities"); got != `{"media":["a4"]}` {
			t.Errorf("capabilities = %q", got)
		}
		w.Write([]byte(`{"success": true, "printers": [{"id": "r-99", "name": "office"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proxy-1", nil, 5*time.Second)

	registered, err := c.RegisterPrinter(context.Background(), &cdd.Printer{
		Name:         "office",
		Capabilities: []byte(`{"media":["a4"]}`),
		CapsHash:     "h1",
		Status:       "IDLE",
	})
	if err != nil {
		t.Fatalf("RegisterPrinter: %v", err)
	}
	if registered.ID != "r-99" {
		t.Fatalf("remote ID = %q, want r-99", registered.ID)
	}
}

func TestClientControlCarriesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostFormValue("status"); got != "ERROR" {
			t.Errorf("status = %q", got)
		}
		if got := r.PostFormValue("code"); got != "print_failure" {
			t.Errorf("code = %q", got)
		}
		if got := r.PostFormValue("message"); got != "paper jam" {
			t.Errorf("message = %q", got)
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proxy-1", nil, 5*time.Second)
	if err := c.Control(context.Background(), "j1", "ERROR", "print_failure", "paper jam"); err != nil {
		t.Fatalf("Control: %v", err)
	}
}

func TestClientDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pdf-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proxy-1", nil, 5*time.Second)

	dest := filepath.Join(t.TempDir(), "j1.doc")
	if err := c.Download(context.Background(), srv.URL+"/doc", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pdf-bytes" {
		t.Fatalf("downloaded %q", data)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestClientDownloadFailureLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "proxy-1", nil, 5*time.Second)

	dest := filepath.Join(t.TempDir(), "j1.doc")
	if err := c.Download(context.Background(), srv.URL+"/doc", dest); err == nil {
		t.Fatal("Download of missing document should fail")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("destination file exists after failed download")
	}
}

func TestTicketExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostFormValue("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostFormValue("code"); got != "auth-1" {
			t.Errorf("code = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	ticket := NewTicket(srv.URL, "cid", "secret", "", nil)

	refresh, err := ticket.Exchange(context.Background(), "auth-1", "oob")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if refresh != "refresh-2" {
		t.Fatalf("refresh = %q", refresh)
	}
	if ticket.RefreshToken() != "refresh-2" {
		t.Fatalf("stored refresh = %q", ticket.RefreshToken())
	}

	// the access token from the exchange is reused without another round trip
	token, err := ticket.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "access-2" {
		t.Fatalf("access = %q", token)
	}
}
