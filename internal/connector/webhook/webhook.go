package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/coworker/internal/connector"
)

// Config holds webhook connector configuration.
type Config struct {
	// Endpoints maps relay names to their settings, e.g. {"teams": {...}}.
	Endpoints map[string]EndpointConfig `json:"endpoints" yaml:"endpoints"`
}

// EndpointConfig holds per-endpoint webhook configuration.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Hub-Signature-256 header).
	// If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	// CallbackURL receives outbound messages for this relay. Without it the
	// endpoint is inbound only and questions cannot be delivered through it.
	CallbackURL string `json:"callback_url,omitempty" yaml:"callback_url,omitempty"`
}

// Payload is the JSON body a relay posts to /api/webhook/{name}.
type Payload struct {
	Kind        connector.InboundKind `json:"kind,omitempty"` // message (default), submit, register
	SenderID    string                `json:"sender_id"`
	SenderName  string                `json:"sender_name,omitempty"`
	SenderEmail string                `json:"sender_email,omitempty"`
	ChatID      string                `json:"chat_id"`
	QuestionID  string                `json:"question_id,omitempty"`
	Content     string                `json:"content"`
}

// CallbackPayload is the JSON body posted to an endpoint's CallbackURL.
type CallbackPayload struct {
	ChatID     string `json:"chat_id"`
	Content    string `json:"content"`
	QuestionID string `json:"question_id,omitempty"`
	AskerName  string `json:"asker_name,omitempty"`
	Question   string `json:"question,omitempty"`
}

// Handler provides HTTP handlers for webhook endpoints.
type Handler struct {
	config  Config
	handler connector.InboundHandler
	client  *http.Client
	logger  *slog.Logger
}

// New creates a new webhook handler.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		handler: handler,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Connectors returns one outbound connector per endpoint that has a callback URL.
// Each is registered under "webhook:{name}", the channel its inbound events carry.
func (h *Handler) Connectors() []connector.Connector {
	var out []connector.Connector
	for name, ep := range h.config.Endpoints {
		if ep.CallbackURL == "" {
			continue
		}
		out = append(out, &relay{name: name, endpoint: ep, client: h.client})
	}
	return out
}

// ServeHTTP handles webhook requests at /api/webhook/{name}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := extractName(r.URL.Path)
	if name == "" {
		http.Error(w, "missing connector name in path", http.StatusBadRequest)
		return
	}

	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r, endpoint, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	inbound, err := toInbound(name, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.handler(r.Context(), inbound); err != nil {
		h.logger.Error("webhook handler error",
			"endpoint", name,
			"kind", inbound.Kind,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func toInbound(name string, p Payload) (connector.InboundMessage, error) {
	kind := p.Kind
	if kind == "" {
		kind = connector.KindMessage
	}
	if p.ChatID == "" {
		return connector.InboundMessage{}, fmt.Errorf("chat_id is required")
	}

	switch kind {
	case connector.KindMessage:
		if strings.TrimSpace(p.Content) == "" {
			return connector.InboundMessage{}, fmt.Errorf("content is required")
		}
	case connector.KindSubmit:
		if p.QuestionID == "" {
			return connector.InboundMessage{}, fmt.Errorf("question_id is required for submit")
		}
	case connector.KindRegister:
		if p.SenderID == "" && p.SenderEmail == "" {
			return connector.InboundMessage{}, fmt.Errorf("sender_id or sender_email is required for register")
		}
	default:
		return connector.InboundMessage{}, fmt.Errorf("unknown kind %q", kind)
	}

	senderID := p.SenderID
	if senderID == "" {
		senderID = name
	}
	return connector.InboundMessage{
		Kind:        kind,
		Channel:     "webhook:" + name,
		SenderID:    senderID,
		SenderName:  p.SenderName,
		SenderEmail: strings.ToLower(strings.TrimSpace(p.SenderEmail)),
		ChatID:      p.ChatID,
		QuestionID:  p.QuestionID,
		Content:     p.Content,
	}, nil
}

func (h *Handler) authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}

	if endpoint.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		return auth == "Bearer "+endpoint.BearerToken
	}

	// No auth configured, allow (for development)
	return true
}

// relay posts outbound messages to an endpoint's callback URL.
type relay struct {
	name     string
	endpoint EndpointConfig
	client   *http.Client
}

func (r *relay) Name() string { return "webhook:" + r.name }

// Start is a no-op; inbound traffic arrives through the API server.
func (r *relay) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *relay) Stop() error { return nil }

func (r *relay) Send(ctx context.Context, msg connector.OutboundMessage) error {
	p := CallbackPayload{ChatID: msg.ChatID, Content: msg.Content}
	if q := msg.Question; q != nil {
		p.QuestionID = q.QuestionID
		p.AskerName = q.AskerName
		p.Question = q.Text
		p.Content = q.PlainText()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return connector.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return connector.Permanent(fmt.Errorf("webhook %s: %w", r.name, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.endpoint.Secret != "" {
		req.Header.Set("X-Hub-Signature-256", ComputeSignature(body, r.endpoint.Secret))
	} else if r.endpoint.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.endpoint.BearerToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", r.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s: callback status %d", r.name, resp.StatusCode)
	default:
		return connector.Permanent(fmt.Errorf("webhook %s: callback status %d", r.name, resp.StatusCode))
	}
}

// verifyHMAC checks an HMAC-SHA256 signature.
// Signature format: "sha256=<hex>"
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	expectedMAC, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computedMAC := mac.Sum(nil)

	return hmac.Equal(computedMAC, expectedMAC)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ComputeSignature generates an HMAC-SHA256 signature for a body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
