package telephony

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"callconsole/internal/config"
	"callconsole/pkg/logger"

	"github.com/gin-gonic/gin"
)

var ErrUnauthorized = errors.New("telephony: unauthorized")

// HookRecorder counts received webhooks. pkg/metrics implements it.
type HookRecorder interface {
	WebhookReceived(hook string)
}

// WebhookHandler serves the call-control webhooks under /webhooks/jambonz.
//
// No business logic here: the incoming hook renders a script, the status
// hooks only log what the fabric reports.
type WebhookHandler struct {
	Jambonz config.JambonzConfig
	// PublicBaseURL builds hook URLs; empty means "derive from the request".
	PublicBaseURL string
	Recorder      HookRecorder
}

const (
	hookIncoming      = "incoming"
	hookCallStatus    = "call-status"
	hookListenStatus  = "listen-status"
	hookTranscription = "transcription"
)

// Register mounts the webhooks on g (typically r.Group("/webhooks/jambonz")).
func (h WebhookHandler) Register(g *gin.RouterGroup) {
	g.Use(RequireBearer(h.Jambonz.WebhookToken))
	g.POST("/"+hookIncoming, h.Incoming)
	g.POST("/"+hookCallStatus, h.logHook(hookCallStatus, "jambonz dial status"))
	g.POST("/"+hookListenStatus, h.logHook(hookListenStatus, "jambonz listen status"))
	g.POST("/"+hookTranscription, h.logHook(hookTranscription, "jambonz transcription"))
}

// RequireBearer compares the bearer token against secret in constant time.
// An empty secret accepts every request.
func RequireBearer(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		tok, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(secret)) != 1 {
			logger.FromGin(c).Warn("webhook rejected", "path", c.FullPath(), "err", ErrUnauthorized)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (h WebhookHandler) Incoming(c *gin.Context) {
	log := logger.FromGin(c)
	h.record(hookIncoming)

	call, err := ParseInboundCall(c.Request)
	if err != nil {
		log.Warn("jambonz webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	script, err := BuildIncomingScript(h.scriptOptions(), call, h.hooks(c))
	if err != nil {
		log.Error("jambonz script failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Jambonz streaming or WebRTC target is not configured."})
		return
	}

	log.Info("jambonz inbound call", "call_id", call.ID(), "from", call.From, "to", call.To)
	c.JSON(http.StatusOK, script)
}

func (h WebhookHandler) logHook(hook, msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromGin(c)
		h.record(hook)

		payload, err := ParsePayload(c.Request)
		if err != nil {
			log.Warn("jambonz webhook parse failed", "hook", hook, "err", err)
			payload = map[string]any{}
		}
		log.Info(msg, "payload", payload)
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func (h WebhookHandler) scriptOptions() ScriptOptions {
	j := h.Jambonz
	return ScriptOptions{
		StreamURL:      j.StreamURL,
		WebRTCURI:      j.WebRTCURI,
		WebRTCUsername: j.WebRTCUsername,
		WebRTCPassword: j.WebRTCPassword,
		STTVendor:      j.STTVendor,
		STTLanguage:    j.STTLanguage,
		Voice:          j.TTSVoice,
	}
}

// hooks resolves absolute callback URLs next to the incoming hook.
func (h WebhookHandler) hooks(c *gin.Context) Hooks {
	base := h.PublicBaseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	prefix := strings.TrimSuffix(c.FullPath(), "/"+hookIncoming)
	return Hooks{
		CallStatus:    base + prefix + "/" + hookCallStatus,
		ListenStatus:  base + prefix + "/" + hookListenStatus,
		Transcription: base + prefix + "/" + hookTranscription,
	}
}

func (h WebhookHandler) record(hook string) {
	if h.Recorder != nil {
		h.Recorder.WebhookReceived(hook)
	}
}
