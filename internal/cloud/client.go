// Package cloud implements the REST side of the print service: printer
// registration and updates, job listing, job control, and document download.
// Every endpoint is a form-encoded or multipart POST answering a JSON envelope
// with a success flag and, on failure, a server-provided message.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/orrn/cloudspool/internal/cdd"
)

// ServiceError is a failure reported by the cloud service itself, as opposed
// to a transport failure. The message is the server's own wording.
type ServiceError struct {
	Endpoint string
	Message  string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cloud %s request rejected", e.Endpoint)
	}
	return fmt.Sprintf("cloud %s request rejected: %s", e.Endpoint, e.Message)
}

type Client struct {
	baseURL string
	proxyID string
	ticket  *Ticket
	hc      *http.Client
}

func NewClient(baseURL, proxyID string, ticket *Ticket, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		proxyID: proxyID,
		ticket:  ticket,
		hc:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values, out envelope) error {
	body := strings.NewReader(form.Encode())
	return c.do(ctx, endpoint, body, "application/x-www-form-urlencoded", out)
}

func (c *Client) postMultipart(ctx context.Context, endpoint string, fields map[string]string, blobs map[string][]byte, out envelope) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	for k, v := range blobs {
		if len(v) == 0 {
			continue
		}
		if err := w.WriteField(k, string(v)); err != nil {
			return fmt.Errorf("failed to write form blob %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return c.do(ctx, endpoint, &buf, w.FormDataContentType(), out)
}

type envelope interface {
	ok() (bool, string)
}

func (c *Client) do(ctx context.Context, endpoint string, body io.Reader, contentType string, out envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-CloudPrint-Proxy", c.proxyID)

	if c.ticket != nil {
		token, err := c.ticket.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to authorize %s request: %w", endpoint, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", endpoint, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}

	if ok, msg := out.ok(); !ok {
		return &ServiceError{Endpoint: endpoint, Message: msg}
	}
	return nil
}

type jobListResponse struct{ cdd.JobList }

func (r *jobListResponse) ok() (bool, string) { return r.Success, r.Message }

type printerListResponse struct{ cdd.PrinterList }

func (r *printerListResponse) ok() (bool, string) { return r.Success, r.Message }

type registerResponse struct{ cdd.RegisterResponse }

func (r *registerResponse) ok() (bool, string) { return r.Success, r.Message }

type plainResponse struct{ cdd.Envelope }

func (r *plainResponse) ok() (bool, string) { return r.Success, r.Message }

type authCodeResponse struct{ cdd.AuthCodeResponse }

func (r *authCodeResponse) ok() (bool, string) { return r.Success, r.Message }

// RegisterPrinter announces a new local queue and returns the printer with its
// service-assigned remote ID.
func (c *Client) RegisterPrinter(ctx context.Context, p *cdd.Printer) (*cdd.Printer, error) {
	fields := map[string]string{
		"printer":  p.Name,
		"proxy":    c.proxyID,
		"capsHash": p.CapsHash,
		"status":   p.Status,
	}
	if p.Description != "" {
		fields["description"] = p.Description
	}
	blobs := map[string][]byte{
		"capabilities": p.Capabilities,
		"defaults":     p.Defaults,
	}

	var resp registerResponse
	if err := c.postMultipart(ctx, "register", fields, blobs, &resp); err != nil {
		return nil, err
	}
	if len(resp.Printers) == 0 {
		return nil, &ServiceError{Endpoint: "register", Message: "no printer in response"}
	}
	registered := resp.Printers[0]
	return &registered, nil
}

func (c *Client) UpdatePrinter(ctx context.Context, p *cdd.Printer) error {
	fields := map[string]string{
		"printerid": p.ID,
		"printer":   p.Name,
		"proxy":     c.proxyID,
		"capsHash":  p.CapsHash,
		"status":    p.Status,
	}
	if p.Description != "" {
		fields["description"] = p.Description
	}
	blobs := map[string][]byte{
		"capabilities": p.Capabilities,
		"defaults":     p.Defaults,
	}

	var resp plainResponse
	return c.postMultipart(ctx, "update", fields, blobs, &resp)
}

func (c *Client) DeletePrinter(ctx context.Context, printerID string) error {
	var resp plainResponse
	return c.post(ctx, "delete", url.Values{"printerid": {printerID}}, &resp)
}

func (c *Client) ListPrinters(ctx context.Context) ([]cdd.Printer, error) {
	var resp printerListResponse
	if err := c.post(ctx, "list", url.Values{"proxy": {c.proxyID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Printers, nil
}

// FetchJobs returns the queued jobs for one printer.
func (c *Client) FetchJobs(ctx context.Context, printerID string) ([]cdd.Job, error) {
	var resp jobListResponse
	if err := c.post(ctx, "fetch", url.Values{"printerid": {printerID}}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Control reports a job's status transition back to the service.
func (c *Client) Control(ctx context.Context, jobID, status, errorCode, errorMessage string) error {
	form := url.Values{
		"jobid":  {jobID},
		"status": {status},
	}
	if errorCode != "" {
		form.Set("code", errorCode)
	}
	if errorMessage != "" {
		form.Set("message", errorMessage)
	}

	var resp plainResponse
	return c.post(ctx, "control", form, &resp)
}

// Download fetches a job document or ticket to a local file. The write goes
// through a temp file so a half-written download never looks materialized.
func (c *Client) Download(ctx context.Context, srcURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("X-CloudPrint-Proxy", c.proxyID)
	if c.ticket != nil {
		token, err := c.ticket.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to authorize download: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}

	tmp := destPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", destPath, err)
	}
	return nil
}

// CreateClaim starts the proxy registration flow. The first local printer acts
// as the claim's signature; the response carries the invite and polling URLs.
func (c *Client) CreateClaim(ctx context.Context, p *cdd.Printer) (*cdd.AuthCodeResponse, error) {
	fields := map[string]string{
		"printer": p.Name,
		"proxy":   c.proxyID,
	}
	blobs := map[string][]byte{
		"capabilities": p.Capabilities,
	}

	var resp authCodeResponse
	if err := c.postMultipart(ctx, "createclaim", fields, blobs, &resp); err != nil {
		return nil, err
	}
	return &resp.AuthCodeResponse, nil
}

// PollClaim asks whether a user has completed the claim yet. Until then the
// service answers success=false with a pending message, surfaced as a
// *ServiceError the caller can treat as "try again".
func (c *Client) PollClaim(ctx context.Context, token string) (*cdd.AuthCodeResponse, error) {
	var resp authCodeResponse
	if err := c.post(ctx, "claim", url.Values{"token": {token}}, &resp); err != nil {
		return nil, err
	}
	return &resp.AuthCodeResponse, nil
}
