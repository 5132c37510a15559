package xmpp

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// readLoop blocks on framed XML reads and classifies every top-level stanza
// as either a query response or a push message, handing it to the writer.
// Any read failure sets the fault that wakes the writer.
func (c *Client) readLoop() {
	for {
		se, err := c.nextStartElement()
		if err != nil {
			c.fault(fmt.Errorf("xmpp: read: %w", err))
			return
		}

		switch se.Name.Local {
		case "iq":
			var iq iqStanza
			if err := c.dec.DecodeElement(&iq, &se); err != nil {
				c.fault(fmt.Errorf("xmpp: parse iq: %w", err))
				return
			}
			select {
			case c.responses <- Stanza{ID: iq.ID, Type: iq.Type, From: iq.From, Inner: iq.Inner}:
			case <-c.doneCh:
				return
			}
		case "message":
			var m messageStanza
			if err := c.dec.DecodeElement(&m, &se); err != nil {
				c.fault(fmt.Errorf("xmpp: parse message: %w", err))
				return
			}
			select {
			case c.messages <- m:
			case <-c.doneCh:
				return
			}
		case "error":
			c.fault(fmt.Errorf("xmpp: stream error from server"))
			return
		default:
			// presence and other unsolicited stanzas are protocol noise
			if err := c.dec.Skip(); err != nil {
				c.fault(fmt.Errorf("xmpp: skip <%s>: %w", se.Name.Local, err))
				return
			}
		}
	}
}

func (c *Client) fault(err error) {
	select {
	case c.faultCh <- err:
	default:
	}
}

// writeLoop owns the XML writer. It processes four queues in strict priority
// order: outgoing queries, pending subscriptions (only once the session is
// ready), incoming responses, incoming messages. When no work arrives inside
// the keep-alive window it emits a single whitespace byte to hold the
// connection open.
func (c *Client) writeLoop(ready chan struct{}) {
	pending := make(map[string]*query)
	subs := make(map[string]func([]byte))

	isReady := func() bool {
		select {
		case <-ready:
			return true
		default:
			return false
		}
	}

	sendQuery := func(q *query) error {
		to := ""
		if q.to != "" {
			to = fmt.Sprintf(` to="%s"`, escape(q.to))
		}
		if _, err := fmt.Fprintf(c.conn, `<iq type="%s" id="%s"%s>%s</iq>`, q.typ, q.id, to, q.payload); err != nil {
			return fmt.Errorf("xmpp: write query %s: %w", q.id, err)
		}
		pending[q.id] = q
		return nil
	}

	sendSubscribe := func(s *subscription) error {
		payload := fmt.Sprintf(`<subscribe xmlns="%s"><item channel="%s" from="%s"/></subscribe>`,
			nsPush, escape(s.channel), escape(c.bare))
		q := &query{
			id:      strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10),
			typ:     "set",
			to:      c.bare,
			payload: payload,
			cb: func(st Stanza) error {
				if st.Type != "result" {
					return fmt.Errorf("xmpp: subscribe %s failed: %s", s.channel, st.Inner)
				}
				subs[s.channel] = s.fn
				c.subscribed.Store(true)
				return nil
			},
		}
		return sendQuery(q)
	}

	// Responses pair with their originating query by ID alone; arrival order
	// does not matter. A response with no pending query is absorbed.
	dispatchResponse := func(st Stanza) error {
		q, ok := pending[st.ID]
		if !ok {
			return nil
		}
		delete(pending, st.ID)
		if q.cb == nil {
			return nil
		}
		return q.cb(st)
	}

	dispatchMessage := func(m messageStanza) {
		fn, ok := subs[m.Push.Channel]
		if !ok {
			return
		}
		raw := strings.TrimSpace(m.Push.Data)
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			if data, err = base64.RawStdEncoding.DecodeString(raw); err != nil {
				return
			}
		}
		fn(data)
	}

	// drainOne handles at most one unit of work, honoring queue priority.
	drainOne := func() (bool, error) {
		select {
		case q := <-c.queries:
			return true, sendQuery(q)
		default:
		}
		if isReady() {
			select {
			case s := <-c.subscribeCh:
				return true, sendSubscribe(s)
			default:
			}
		}
		select {
		case st := <-c.responses:
			return true, dispatchResponse(st)
		default:
		}
		select {
		case m := <-c.messages:
			dispatchMessage(m)
			return true, nil
		default:
		}
		return false, nil
	}

	keepalive := time.NewTimer(c.opts.KeepAlive)
	defer keepalive.Stop()

	resetKeepAlive := func() {
		if !keepalive.Stop() {
			select {
			case <-keepalive.C:
			default:
			}
		}
		keepalive.Reset(c.opts.KeepAlive)
	}

	for {
		select {
		case <-c.cancelCh:
			c.finish(nil)
			return
		case err := <-c.faultCh:
			c.finish(err)
			return
		default:
		}

		worked, err := drainOne()
		if err != nil {
			c.finish(err)
			return
		}
		if worked {
			resetKeepAlive()
			continue
		}

		subCh := c.subscribeCh
		if !isReady() {
			subCh = nil
		}

		select {
		case <-c.cancelCh:
			c.finish(nil)
			return
		case err := <-c.faultCh:
			c.finish(err)
			return
		case q := <-c.queries:
			if err := sendQuery(q); err != nil {
				c.finish(err)
				return
			}
		case s := <-subCh:
			if err := sendSubscribe(s); err != nil {
				c.finish(err)
				return
			}
		case st := <-c.responses:
			if err := dispatchResponse(st); err != nil {
				c.finish(err)
				return
			}
		case m := <-c.messages:
			dispatchMessage(m)
		case <-keepalive.C:
			if _, err := io.WriteString(c.conn, " "); err != nil {
				c.finish(fmt.Errorf("xmpp: write keep-alive: %w", err))
				return
			}
		}
		resetKeepAlive()
	}
}

// finish records the terminal error, tears down the socket (which unblocks
// the reader), and reports to the owner. Runs once, on the writer goroutine.
func (c *Client) finish(err error) {
	c.mu.Lock()
	c.termErr = err
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	close(c.doneCh)

	if c.opts.Done != nil {
		go c.opts.Done(err, c)
	}
}
