// Package convert implements the converter contract for printers that accept
// raw documents on a TCP socket (JetDirect port 9100 style devices).
package convert

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/orrn/cloudspool/internal/core"
)

const (
	defaultRawPort    = 9100
	defaultIOTimeout  = 30 * time.Second
	defaultDialWindow = 10 * time.Second
)

// UserDirectory answers whether a username is locally known. The raw
// converter consults it when delivery requires authenticated owners.
type UserDirectory interface {
	UserKnown(ctx context.Context, username string) (bool, error)
}

// RawOptions configures a RawConverter.
type RawOptions struct {
	// Hosts maps printer names to delivery hosts. A printer missing from the
	// map is dialed by its own name.
	Hosts map[string]string
	Port  int
	// RequireAuth gates delivery on the job owner being locally known.
	RequireAuth bool
	ConnTimeout time.Duration
	IOTimeout   time.Duration
	Users       UserDirectory
}

// RawConverter streams a job's materialized document to the printer's raw
// socket. Connections are cached per printer and retried once on a stale
// write, since idle devices drop the socket without notice.
type RawConverter struct {
	opts RawOptions

	mu    sync.Mutex
	conns map[string]net.Conn
}

func NewRawConverter(opts RawOptions) *RawConverter {
	if opts.Port == 0 {
		opts.Port = defaultRawPort
	}
	if opts.ConnTimeout == 0 {
		opts.ConnTimeout = defaultDialWindow
	}
	if opts.IOTimeout == 0 {
		opts.IOTimeout = defaultIOTimeout
	}
	return &RawConverter{
		opts:  opts,
		conns: make(map[string]net.Conn),
	}
}

func (c *RawConverter) NeedsUserAuth() bool {
	return c.opts.RequireAuth
}

func (c *RawConverter) UserCanPrint(username string) (bool, error) {
	if !c.opts.RequireAuth {
		return true, nil
	}
	if c.opts.Users == nil {
		return false, fmt.Errorf("no user directory configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnTimeout)
	defer cancel()
	return c.opts.Users.UserKnown(ctx, username)
}

func (c *RawConverter) Print(job *core.PrintJob) error {
	doc, err := os.Open(job.DocumentPath)
	if err != nil {
		return fmt.Errorf("failed to open document for job %s: %w", job.ID, err)
	}
	defer doc.Close()

	conn, err := c.connect(job.PrinterName)
	if err != nil {
		return err
	}

	if err := c.deliver(conn, doc); err != nil {
		// Stale cached socket; reconnect once and replay from the start.
		c.disconnect(job.PrinterName)
		if _, seekErr := doc.Seek(0, io.SeekStart); seekErr != nil {
			return fmt.Errorf("failed to rewind document for job %s: %w", job.ID, seekErr)
		}
		conn, err = c.connect(job.PrinterName)
		if err != nil {
			return err
		}
		if err := c.deliver(conn, doc); err != nil {
			c.disconnect(job.PrinterName)
			return fmt.Errorf("failed to deliver job %s to %s: %w", job.ID, job.PrinterName, err)
		}
	}
	return nil
}

// Close drops all cached printer connections.
func (c *RawConverter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, conn := range c.conns {
		conn.Close()
		delete(c.conns, name)
	}
}

func (c *RawConverter) deliver(conn net.Conn, doc io.Reader) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.IOTimeout)); err != nil {
		return err
	}
	_, err := io.Copy(conn, doc)
	return err
}

func (c *RawConverter) connect(printerName string) (net.Conn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[printerName]; ok && conn != nil {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	host := printerName
	if h, ok := c.opts.Hosts[printerName]; ok {
		host = h
	}
	address := net.JoinHostPort(host, fmt.Sprintf("%d", c.opts.Port))

	conn, err := net.DialTimeout("tcp", address, c.opts.ConnTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to printer %s at %s: %w", printerName, address, err)
	}

	c.mu.Lock()
	c.conns[printerName] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *RawConverter) disconnect(printerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[printerName]; ok {
		if conn != nil {
			conn.Close()
		}
		delete(c.conns, printerName)
	}
}
