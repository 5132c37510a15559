package xmpp

import (
	"bytes"
	"encoding/xml"
)

const (
	nsClient  = "jabber:client"
	nsStream  = "http://etherx.jabber.org/streams"
	nsTLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession = "urn:ietf:params:xml:ns:xmpp-session"
	nsPush    = "printproxy:push"
)

// Stanza is a received iq reply, delivered to the callback of the query whose
// ID it carries.
type Stanza struct {
	ID    string
	Type  string
	From  string
	Inner []byte
}

type iqStanza struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr"`
	Inner   []byte   `xml:",innerxml"`
}

type messageStanza struct {
	XMLName xml.Name `xml:"message"`
	From    string   `xml:"from,attr"`
	Push    struct {
		Channel string `xml:"channel,attr"`
		Data    string `xml:"data"`
	} `xml:"push"`
}

type streamFeatures struct {
	XMLName  xml.Name `xml:"features"`
	StartTLS *struct {
		Required *struct{} `xml:"required"`
	} `xml:"starttls"`
	Mechanisms *struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"mechanisms"`
	Bind    *struct{} `xml:"bind"`
	Session *struct{} `xml:"session"`
}

type saslFailure struct {
	XMLName xml.Name `xml:"failure"`
	Inner   string   `xml:",innerxml"`
}

type bindResult struct {
	XMLName xml.Name `xml:"bind"`
	JID     string   `xml:"jid"`
}

func (f *streamFeatures) hasMechanism(name string) bool {
	if f.Mechanisms == nil {
		return false
	}
	for _, m := range f.Mechanisms.Mechanism {
		if m == name {
			return true
		}
	}
	return false
}

// escape makes a string safe for use in stanza character data or attributes.
func escape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
