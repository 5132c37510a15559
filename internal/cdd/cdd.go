// Package cdd holds the wire types exchanged with the cloud print service.
// Job and printer attributes are parsed once at ingestion time; capability and
// default descriptors stay opaque blobs that the proxy only hashes and relays.
package cdd

import "encoding/json"

type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type Job struct {
	ID               string          `json:"id"`
	PrinterID        string          `json:"printerid"`
	Title            string          `json:"title,omitempty"`
	ContentType      string          `json:"contentType,omitempty"`
	FileURL          string          `json:"fileUrl"`
	TicketURL        string          `json:"ticketUrl,omitempty"`
	OwnerID          string          `json:"ownerId"`
	CreateTime       int64           `json:"createTime,string"`
	UpdateTime       int64           `json:"updateTime,string"`
	Status           string          `json:"status"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	Message          string          `json:"message,omitempty"`
	DeliveryAttempts int             `json:"deliveryAttempts,omitempty"`
	Ticket           json.RawMessage `json:"ticket,omitempty"`
}

type Printer struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Proxy        string          `json:"proxy,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	CapsHash     string          `json:"capsHash,omitempty"`
	Defaults     json.RawMessage `json:"defaults,omitempty"`
	Status       string          `json:"status,omitempty"`
}

type JobList struct {
	Envelope
	Jobs []Job `json:"jobs"`
}

type PrinterList struct {
	Envelope
	Printers []Printer `json:"printers"`
}

type RegisterResponse struct {
	Envelope
	Printers []Printer `json:"printers"`
	ProxyID  string    `json:"proxy,omitempty"`
}

// AuthCodeResponse carries the state of a pending proxy claim. PollingURL is
// polled until a user completes the claim, at which point Email and the
// durable AuthorizationCode are populated.
type AuthCodeResponse struct {
	Envelope
	RegistrationToken string `json:"registration_token,omitempty"`
	InviteURL         string `json:"complete_invite_url,omitempty"`
	PollingURL        string `json:"polling_url,omitempty"`
	Email             string `json:"user_email,omitempty"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	XMPPJID           string `json:"xmpp_jid,omitempty"`
}
