package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/cloudspool/internal/core"
	"github.com/orrn/cloudspool/internal/store"
)

type RegistrationResponse struct {
	InviteURL string `json:"invite_url,omitempty"`
	Email     string `json:"email,omitempty"`
	Claimed   bool   `json:"claimed"`
}

type AcceptRequest struct {
	Email string `json:"email" binding:"required"`
}

type ProxyStatusResponse struct {
	Registered bool   `json:"registered"`
	Email      string `json:"email,omitempty"`
	JobCount   int    `json:"job_count"`
}

// ProxyHandler drives the registration flow and exposes proxy status. The
// flow is three steps: create a claim, poll until a user completes it, then
// accept with the expected email to finish.
type ProxyHandler struct {
	proxy *core.Proxy
	store *store.Store

	// start is called after a successful accept so the proxy comes online
	// without a restart.
	start func() error
}

func NewProxyHandler(proxy *core.Proxy, st *store.Store, start func() error) *ProxyHandler {
	return &ProxyHandler{proxy: proxy, store: st, start: start}
}

func (h *ProxyHandler) Register(c *gin.Context) {
	resp, err := h.proxy.Register(c.Request.Context())
	if err != nil {
		if errors.Is(err, core.ErrRegistrationBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, RegistrationResponse{InviteURL: resp.InviteURL})
}

func (h *ProxyHandler) PollClaim(c *gin.Context) {
	resp, err := h.proxy.RequestAuthCode(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, RegistrationResponse{
		Email:   resp.Email,
		Claimed: resp.AuthorizationCode != "",
	})
}

func (h *ProxyHandler) Accept(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	if err := h.proxy.AcceptAuthCode(c.Request.Context(), req.Email); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.start != nil {
		if err := h.start(); err != nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "warning": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *ProxyHandler) Abort(c *gin.Context) {
	if err := h.proxy.ClearAuthCode(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *ProxyHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	resp := ProxyStatusResponse{JobCount: len(h.proxy.Jobs())}
	if _, err := h.store.Setting(ctx, store.SettingRefreshToken); err == nil {
		resp.Registered = true
		if email, err := h.store.Setting(ctx, store.SettingUserEmail); err == nil {
			resp.Email = email
		}
	}
	c.JSON(http.StatusOK, resp)
}
