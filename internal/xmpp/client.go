// Package xmpp implements the proxy's push channel: a long-lived XML stream
// over TCP, upgraded to TLS, authenticated with a single SASL credential, and
// multiplexing request/response queries with subscription push messages.
//
// One connection runs on two goroutines. The reader blocks on framed XML and
// classifies each top-level stanza; the writer owns the socket for output and
// drains four queues in strict priority order. All cross-goroutine handoff
// goes through channels, never shared mutable state.
package xmpp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrStopped    = errors.New("xmpp: client stopped")
	ErrNoTLS      = errors.New("xmpp: server does not offer starttls")
	ErrAuthFailed = errors.New("xmpp: authentication failed")
)

// DoneFunc is invoked exactly once when the session terminates. A nil error
// means the client was cancelled cleanly; anything else is the terminal
// failure. The client is passed back so owner policy can inspect whether
// subscriptions had ever been established before deciding to reconnect.
type DoneFunc func(err error, c *Client)

type Options struct {
	Server string
	Port   int

	// ProxyAddr, when set, routes the TCP connection through an HTTP CONNECT
	// tunnel. ProxyAuth is the optional user:password pair for it.
	ProxyAddr string
	ProxyAuth string

	// JID is the bare account identifier (user@domain). Token is the SASL
	// secret, sent as a single \0identity\0secret credential blob.
	JID   string
	Token string

	Resource         string
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
	Done             DoneFunc

	// DialFunc overrides the raw TCP dial. Tests use it to hand the client a
	// scripted connection.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

type query struct {
	id      string
	typ     string
	to      string
	payload string
	cb      func(Stanza) error
}

type subscription struct {
	channel string
	fn      func(data []byte)
}

type Client struct {
	opts   Options
	domain string
	bare   string

	conn net.Conn
	dec  *xml.Decoder

	nextID uint64

	queries     chan *query
	subscribeCh chan *subscription
	responses   chan Stanza
	messages    chan messageStanza

	cancelCh   chan struct{}
	cancelOnce sync.Once
	faultCh    chan error
	doneCh     chan struct{}

	subscribed atomic.Bool

	mu      sync.Mutex
	fullJID string
	termErr error
}

// Dial connects, negotiates TLS, authenticates, and starts the reader and
// writer goroutines. Resource binding and session establishment are issued as
// the first two queries; subscriptions queue up until the session callback
// marks the stream ready.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.JID == "" || !strings.Contains(opts.JID, "@") {
		return nil, fmt.Errorf("xmpp: invalid jid %q", opts.JID)
	}
	if opts.Port == 0 {
		opts.Port = 5222
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.Resource == "" {
		opts.Resource = "cloudspool-" + uuid.NewString()[:8]
	}

	c := &Client{
		opts:        opts,
		bare:        opts.JID,
		domain:      opts.JID[strings.Index(opts.JID, "@")+1:],
		queries:     make(chan *query, 64),
		subscribeCh: make(chan *subscription, 16),
		responses:   make(chan Stanza, 64),
		messages:    make(chan messageStanza, 64),
		cancelCh:    make(chan struct{}),
		faultCh:     make(chan error, 1),
		doneCh:      make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	ready := make(chan struct{})
	go c.readLoop()
	go c.writeLoop(ready)
	c.bindAndEstablish(ready)

	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.opts.Server, strconv.Itoa(c.opts.Port))

	var conn net.Conn
	var err error
	switch {
	case c.opts.DialFunc != nil:
		conn, err = c.opts.DialFunc(ctx, "tcp", addr)
	case c.opts.ProxyAddr != "":
		conn, err = dialThroughProxy(ctx, c.opts.ProxyAddr, c.opts.ProxyAuth, addr, c.opts.HandshakeTimeout)
	default:
		d := net.Dialer{Timeout: c.opts.HandshakeTimeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("xmpp: dial %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	c.conn = conn
	c.dec = xml.NewDecoder(conn)

	if err := c.handshake(); err != nil {
		conn.Close()
		return err
	}

	conn.SetDeadline(time.Time{})
	return nil
}

// handshake runs the plaintext-to-authenticated portion of the negotiation:
// stream open, STARTTLS upgrade, and SASL. After the TLS proceed stanza the
// connection is re-wrapped; nothing plaintext is framed afterward.
func (c *Client) handshake() error {
	feats, err := c.openStream()
	if err != nil {
		return err
	}

	if feats.StartTLS == nil {
		return ErrNoTLS
	}
	if err := c.upgradeTLS(); err != nil {
		return err
	}
	feats, err = c.openStream()
	if err != nil {
		return err
	}

	if !feats.hasMechanism("PLAIN") {
		return fmt.Errorf("xmpp: server offers no PLAIN mechanism")
	}
	if err := c.authenticate(); err != nil {
		return err
	}
	if _, err := c.openStream(); err != nil {
		return err
	}
	return nil
}

func (c *Client) openStream() (*streamFeatures, error) {
	_, err := fmt.Fprintf(c.conn,
		`<stream:stream to="%s" xml:lang="en" version="1.0" xmlns="%s" xmlns:stream="%s">`,
		escape(c.domain), nsClient, nsStream)
	if err != nil {
		return nil, fmt.Errorf("xmpp: write stream open: %w", err)
	}

	se, err := c.nextStartElement()
	if err != nil {
		return nil, fmt.Errorf("xmpp: read stream open: %w", err)
	}
	if se.Name.Local != "stream" {
		return nil, fmt.Errorf("xmpp: expected stream open, got <%s>", se.Name.Local)
	}

	se, err = c.nextStartElement()
	if err != nil {
		return nil, fmt.Errorf("xmpp: read stream features: %w", err)
	}
	var feats streamFeatures
	if err := c.dec.DecodeElement(&feats, &se); err != nil {
		return nil, fmt.Errorf("xmpp: parse stream features: %w", err)
	}
	return &feats, nil
}

func (c *Client) upgradeTLS() error {
	if _, err := fmt.Fprintf(c.conn, `<starttls xmlns="%s"/>`, nsTLS); err != nil {
		return fmt.Errorf("xmpp: write starttls: %w", err)
	}

	se, err := c.nextStartElement()
	if err != nil {
		return fmt.Errorf("xmpp: read starttls reply: %w", err)
	}
	if se.Name.Local != "proceed" {
		return fmt.Errorf("xmpp: starttls refused with <%s>", se.Name.Local)
	}
	if err := c.dec.Skip(); err != nil {
		return fmt.Errorf("xmpp: consume proceed: %w", err)
	}

	cfg := c.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.opts.Server
	}

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("xmpp: tls handshake: %w", err)
	}

	c.conn = tlsConn
	c.dec = xml.NewDecoder(tlsConn)
	return nil
}

func (c *Client) authenticate() error {
	user := c.bare[:strings.Index(c.bare, "@")]
	cred := base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + c.opts.Token))

	_, err := fmt.Fprintf(c.conn, `<auth xmlns="%s" mechanism="PLAIN">%s</auth>`, nsSASL, cred)
	if err != nil {
		return fmt.Errorf("xmpp: write auth: %w", err)
	}

	se, err := c.nextStartElement()
	if err != nil {
		return fmt.Errorf("xmpp: read auth reply: %w", err)
	}
	switch se.Name.Local {
	case "success":
		if err := c.dec.Skip(); err != nil {
			return fmt.Errorf("xmpp: consume auth success: %w", err)
		}
		return nil
	case "failure":
		var f saslFailure
		if err := c.dec.DecodeElement(&f, &se); err == nil && f.Inner != "" {
			return fmt.Errorf("%w: %s", ErrAuthFailed, strings.TrimSpace(f.Inner))
		}
		return ErrAuthFailed
	default:
		return fmt.Errorf("xmpp: unexpected auth reply <%s>", se.Name.Local)
	}
}

// bindAndEstablish chains the bind query into the session query; the session
// callback flips the stream into its subscriptions-ready state.
func (c *Client) bindAndEstablish(ready chan struct{}) {
	bindPayload := fmt.Sprintf(`<bind xmlns="%s"><resource>%s</resource></bind>`,
		nsBind, escape(c.opts.Resource))

	c.enqueueQuery("set", "", bindPayload, func(st Stanza) error {
		if st.Type != "result" {
			return fmt.Errorf("xmpp: bind failed: %s", st.Inner)
		}
		var b bindResult
		if err := xml.Unmarshal(st.Inner, &b); err != nil || b.JID == "" {
			return fmt.Errorf("xmpp: bind returned no jid")
		}
		c.mu.Lock()
		c.fullJID = b.JID
		c.mu.Unlock()

		sessionPayload := fmt.Sprintf(`<session xmlns="%s"/>`, nsSession)
		c.enqueueQuery("set", "", sessionPayload, func(st Stanza) error {
			if st.Type != "result" {
				return fmt.Errorf("xmpp: session establishment failed: %s", st.Inner)
			}
			close(ready)
			return nil
		})
		return nil
	})
}

func (c *Client) enqueueQuery(typ, to, payload string, cb func(Stanza) error) {
	q := &query{
		id:      strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10),
		typ:     typ,
		to:      to,
		payload: payload,
		cb:      cb,
	}
	select {
	case c.queries <- q:
	case <-c.cancelCh:
	}
}

// Query sends an iq stanza and registers a callback for the reply of matching
// ID. The callback runs on the writer goroutine; returning an error from it is
// fatal to the session.
func (c *Client) Query(typ, to, payload string, cb func(Stanza) error) error {
	select {
	case <-c.doneCh:
		return ErrStopped
	default:
	}
	c.enqueueQuery(typ, to, payload, cb)
	return nil
}

// Subscribe registers interest in a push channel. The request is held until
// the session is ready, then sent as an ordinary query whose success installs
// the handler. Handlers run on the writer goroutine and must not block.
func (c *Client) Subscribe(channel string, fn func(data []byte)) error {
	select {
	case c.subscribeCh <- &subscription{channel: channel, fn: fn}:
		return nil
	case <-c.cancelCh:
		return ErrStopped
	}
}

// Subscribed reports whether any subscription was ever established on this
// session. Owner reconnect policy keys off this: a session that never got that
// far is not worth re-dialing.
func (c *Client) Subscribed() bool {
	return c.subscribed.Load()
}

func (c *Client) FullJID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullJID
}

// Quit requests cooperative shutdown. It returns immediately; Join blocks
// until the writer goroutine has exited.
func (c *Client) Quit() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// Join waits for termination and returns the terminal error, nil if the
// client was cancelled cleanly.
func (c *Client) Join() error {
	<-c.doneCh
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// QuitAndJoin stops the client and blocks until the writer has exited,
// re-surfacing the terminal error if there was one.
func (c *Client) QuitAndJoin() error {
	c.Quit()
	return c.Join()
}

func (c *Client) nextStartElement() (xml.StartElement, error) {
	for {
		t, err := c.dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := t.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func dialThroughProxy(ctx context.Context, proxyAddr, proxyAuth, target string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxyAddr, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxyAuth != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n",
			base64.StdEncoding.EncodeToString([]byte(proxyAuth)))
	}
	b.WriteString("\r\n")

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := io.WriteString(conn, b.String()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT: %s", resp.Status)
	}

	conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{r: br, Conn: conn}, nil
	}
	return conn, nil
}

// bufferedConn preserves bytes the proxy handshake reader consumed past the
// HTTP response.
type bufferedConn struct {
	r *bufio.Reader
	net.Conn
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
