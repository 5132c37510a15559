package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/cloudspool/internal/core"
)

type PrinterResponse struct {
	Name        string `json:"name"`
	RemoteID    string `json:"remote_id,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CapsHash    string `json:"caps_hash"`
}

type ReconcileResponse struct {
	Registered []string `json:"registered"`
	Updated    []string `json:"updated"`
	Deleted    []string `json:"deleted"`
}

type PrinterHandler struct {
	proxy    *core.Proxy
	registry *core.Registry
}

func NewPrinterHandler(proxy *core.Proxy, registry *core.Registry) *PrinterHandler {
	return &PrinterHandler{
		proxy:    proxy,
		registry: registry,
	}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	printers := h.registry.Snapshot()

	out := make([]PrinterResponse, 0, len(printers))
	for _, p := range printers {
		out = append(out, PrinterResponse{
			Name:        p.Name,
			RemoteID:    p.RemoteID(),
			Description: p.Description,
			Status:      p.Status,
			CapsHash:    p.CapsHash,
		})
	}
	c.JSON(http.StatusOK, gin.H{"printers": out, "total": len(out)})
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	p, ok := h.registry.Printer(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}
	c.JSON(http.StatusOK, PrinterResponse{
		Name:        p.Name,
		RemoteID:    p.RemoteID(),
		Description: p.Description,
		Status:      p.Status,
		CapsHash:    p.CapsHash,
	})
}

// ReconcilePrinters forces a printer reconciliation pass and reports what
// changed remotely. A pass inside the rate window returns the previous diff.
func (h *PrinterHandler) ReconcilePrinters(c *gin.Context) {
	diff, err := h.proxy.ReconcilePrinters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := ReconcileResponse{
		Registered: printerNames(diff.Register),
		Updated:    printerNames(diff.Update),
		Deleted:    diff.Delete,
	}
	c.JSON(http.StatusOK, resp)
}

func printerNames(printers []*core.Printer) []string {
	names := make([]string, 0, len(printers))
	for _, p := range printers {
		names = append(names, p.Name)
	}
	return names
}
