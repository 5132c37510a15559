// Package registry provides the concrete printer sources behind the portable
// descriptor contract: live enumeration of CUPS queues over IPP, and a
// snapshot source that replays a descriptor file from disk.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"github.com/orrn/cloudspool/internal/core"
)

var printerStateNames = map[int]string{
	3: "IDLE",
	4: "PROCESSING",
	5: "STOPPED",
}

// IPPSource enumerates the queues a CUPS endpoint currently shares. The
// capability blob is the printer's advertised attribute set serialized to
// JSON, so the hash changes exactly when the advertised attributes do.
type IPPSource struct {
	cupsURL string
	hc      *http.Client
	timeout time.Duration
}

func NewIPPSource(cupsURL string, timeout time.Duration) *IPPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IPPSource{
		cupsURL: strings.TrimRight(cupsURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (s *IPPSource) Printers() ([]*core.Printer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsGetPrinters, uint32(time.Now().UnixNano()))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword,
		goipp.String("printer-name"),
		goipp.String("printer-info"),
		goipp.String("printer-state"),
		goipp.String("printer-make-and-model"),
		goipp.String("printer-location"),
		goipp.String("media-supported"),
		goipp.String("media-default"),
		goipp.String("sides-supported"),
		goipp.String("sides-default"),
		goipp.String("print-color-mode-supported"),
		goipp.String("print-color-mode-default"),
		goipp.String("copies-supported"),
		goipp.String("document-format-supported"),
	))

	payload, err := req.EncodeBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ipp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cupsURL+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build ipp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", goipp.ContentType)
	httpReq.Header.Set("Accept", goipp.ContentType)

	resp, err := s.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cups request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("cups returned http %s", resp.Status)
	}

	msg := &goipp.Message{}
	if err := msg.Decode(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to decode ipp response: %w", err)
	}

	var printers []*core.Printer
	for _, g := range msg.Groups {
		if g.Tag != goipp.TagPrinterGroup {
			continue
		}
		name := findAttr(g.Attrs, "printer-name")
		if name == "" {
			continue
		}

		p := &core.Printer{
			Name:        name,
			Description: findAttr(g.Attrs, "printer-info"),
			Status:      stateName(findAttr(g.Attrs, "printer-state")),
		}
		if p.Description == "" {
			p.Description = findAttr(g.Attrs, "printer-make-and-model")
		}

		caps := capabilityBlob(g.Attrs)
		p.Capabilities = caps
		p.CapsHash = core.HashCapabilities(caps)
		p.Defaults = defaultsBlob(g.Attrs)

		printers = append(printers, p)
	}
	return printers, nil
}

// capabilityBlob serializes the advertised capability attributes with sorted
// keys so the blob, and therefore its hash, is stable across enumerations.
func capabilityBlob(attrs goipp.Attributes) []byte {
	caps := map[string][]string{}
	for _, name := range []string{
		"media-supported",
		"sides-supported",
		"print-color-mode-supported",
		"copies-supported",
		"document-format-supported",
	} {
		if vals := attrStrings(attrs, name); len(vals) > 0 {
			caps[name] = vals
		}
	}
	blob, _ := json.Marshal(caps)
	return blob
}

func defaultsBlob(attrs goipp.Attributes) []byte {
	defs := map[string]string{}
	for _, name := range []string{"media-default", "sides-default", "print-color-mode-default"} {
		if v := findAttr(attrs, name); v != "" {
			defs[name] = v
		}
	}
	if len(defs) == 0 {
		return nil
	}
	blob, _ := json.Marshal(defs)
	return blob
}

func stateName(raw string) string {
	n, _ := strconv.Atoi(strings.TrimSpace(raw))
	if name, ok := printerStateNames[n]; ok {
		return name
	}
	return "UNKNOWN"
}

func findAttr(attrs goipp.Attributes, name string) string {
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			return a.Values[0].V.String()
		}
	}
	return ""
}

func attrStrings(attrs goipp.Attributes, name string) []string {
	for _, a := range attrs {
		if a.Name != name || len(a.Values) == 0 {
			continue
		}
		out := make([]string, 0, len(a.Values))
		for _, v := range a.Values {
			out = append(out, v.V.String())
		}
		return out
	}
	return nil
}
