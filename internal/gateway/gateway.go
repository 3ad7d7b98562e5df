// Package gateway is the metered /v1 API surface: service-key auth,
// spending caps, capability rate limits, per-instance circuit breaking,
// provider routing, and usage metering into the credit ledger.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/config"
	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// Meter accepts usage events; losing one is the pipeline's problem,
// never the request's.
type Meter interface {
	Emit(ev *store.MeterEvent)
}

// Ledger debits usage charges. Adapter usage is unchecked: the response
// has already been served, so the balance may go negative and the
// runtime cron picks up the suspension.
type Ledger interface {
	DebitUnchecked(ctx context.Context, tenantID string, amount credit.Credit, typ store.TransactionType, description, referenceID string) (*store.LedgerTransaction, error)
}

// Gateway wires the request pipeline.
type Gateway struct {
	cfg      config.GatewayConfig
	auth     *Authenticator
	limiter  *RateLimiter
	breaker  *Breaker
	spend    *SpendChecker
	registry *Registry
	twilio   *TwilioValidator
	meter    Meter
	ledger   Ledger
	seen     store.WebhookSeenRepo
	met      *metrics.Metrics
}

func New(cfg config.GatewayConfig, auth *Authenticator, limiter *RateLimiter, breaker *Breaker,
	spend *SpendChecker, registry *Registry, twilio *TwilioValidator,
	meter Meter, ledger Ledger, seen store.WebhookSeenRepo, met *metrics.Metrics) *Gateway {
	return &Gateway{
		cfg:      cfg,
		auth:     auth,
		limiter:  limiter,
		breaker:  breaker,
		spend:    spend,
		registry: registry,
		twilio:   twilio,
		meter:    meter,
		ledger:   ledger,
		seen:     seen,
		met:      met,
	}
}

// Routes mounts the /v1 surface on the router.
func (g *Gateway) Routes(r *mux.Router) {
	r.HandleFunc("/v1/models", g.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/v1/phone/twiml/hangup", g.handleHangup).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/v1/phone/inbound/{tenantId}", g.handleTwilioWebhook).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/sms/inbound/{tenantId}", g.handleTwilioWebhook).Methods(http.MethodPost)

	for _, path := range []string{
		"/v1/chat/completions", "/v1/completions", "/v1/embeddings",
		"/v1/audio/transcriptions", "/v1/audio/speech",
		"/v1/images/generations", "/v1/video/generations",
		"/v1/phone/outbound", "/v1/messages/sms",
	} {
		r.HandleFunc(path, g.handleProxy).Methods(http.MethodPost)
	}

	// Protocol facades map onto the canonical paths.
	r.PathPrefix("/v1/openai/").HandlerFunc(g.facade("/v1/openai/"))
	r.PathPrefix("/v1/anthropic/").HandlerFunc(g.facade("/v1/anthropic/"))
}

func (g *Gateway) facade(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = "/v1/" + strings.TrimPrefix(r.URL.Path, prefix)
		g.handleProxy(w, r)
	}
}

// handleProxy runs the full tenant pipeline: auth, body limit, spending
// caps, rate limit, breaker, upstream forward, then meter + debit.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	capability := capabilityFor(r.URL.Path)
	status := g.proxy(w, r, capability)
	if g.met != nil && capability != "" {
		g.met.GatewayRequests.WithLabelValues(capability, strconv.Itoa(status)).Inc()
		g.met.GatewayLatency.WithLabelValues(capability).Observe(time.Since(start).Seconds())
	}
}

func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, capability string) int {
	ctx := r.Context()

	id, err := g.auth.Resolve(ctx, bearerToken(r))
	if err != nil {
		return writeError(w, err)
	}

	body, ok := g.readBody(w, r, capability)
	if !ok {
		return http.StatusRequestEntityTooLarge
	}

	if err := g.spend.Check(ctx, id.TenantID, capability); err != nil {
		return writeError(w, err)
	}

	if capability != "" {
		decision, err := g.limiter.Allow(ctx, id.TenantID, capability)
		if err != nil {
			return writeError(w, err)
		}
		setRateHeaders(w, decision)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.Reset).Seconds())+1))
			return writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		}
	}

	instanceID := r.Header.Get("X-Instance-Id")
	if instanceID == "" {
		instanceID = id.ServiceKeyID
	}
	allowed, err := g.breaker.Allow(ctx, instanceID)
	if err != nil {
		return writeError(w, err)
	}
	if !allowed {
		return writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "circuit_open"})
	}

	resp, adapter, err := g.registry.Forward(ctx, capability, r.URL.Path, r.Header, body)
	if err != nil {
		if berr := g.breaker.RecordFailure(ctx, instanceID); berr != nil {
			slog.Warn("breaker failure not recorded", "instance", instanceID, "error", berr)
		}
		return writeError(w, err)
	}
	if resp.Status >= 400 {
		if berr := g.breaker.RecordFailure(ctx, instanceID); berr != nil {
			slog.Warn("breaker failure not recorded", "instance", instanceID, "error", berr)
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		slog.Warn("gateway response write failed", "error", err)
	}

	// Accounting happens after the response; a metering failure never
	// fails a request the upstream already served.
	if resp.Status < 400 {
		g.settle(ctx, id, capability, adapter, body, resp.Body)
	}
	return resp.Status
}

// settle emits the meter event and debits the ledger with the event id
// as the idempotency reference.
func (g *Gateway) settle(ctx context.Context, id *Identity, capability string, adapter *Adapter, reqBody, respBody []byte) {
	units := usageUnits(reqBody, respBody)
	cost := adapter.Cost(units)
	charge := cost.MulFloat(g.cfg.Margin)

	ev := &store.MeterEvent{
		ID:         uuid.NewString(),
		TenantID:   id.TenantID,
		CostRaw:    cost.Raw(),
		ChargeRaw:  charge.Raw(),
		Capability: capability,
		Provider:   adapter.Name,
		Timestamp:  time.Now().UTC(),
	}
	ev.UsageUnits.Int64 = units
	ev.UsageUnits.Valid = true
	g.meter.Emit(ev)

	_, err := g.ledger.DebitUnchecked(ctx, id.TenantID, charge, store.TxAdapterUsage,
		fmt.Sprintf("%s via %s", capability, adapter.Name), ev.ID)
	if err != nil {
		slog.Error("usage debit failed, meter event retains the charge", "tenant", id.TenantID, "event", ev.ID, "error", err)
	}
}

// readBody enforces the per-class body limit. A true second return
// means the body was read; false means 413 was already written.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request, capability string) ([]byte, bool) {
	limit := g.bodyLimit(capability)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body_too_large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable_body"})
		return nil, false
	}
	return body, true
}

func (g *Gateway) bodyLimit(capability string) int64 {
	switch capability {
	case "imageGen":
		return g.cfg.BodyLimitMedia
	case "audioSpeech":
		return g.cfg.BodyLimitAudio
	case "telephony":
		return g.cfg.BodyLimitWebhook
	default:
		return g.cfg.BodyLimitLLM
	}
}

// handleTwilioWebhook validates the provider signature, dedupes by
// event sid, and acknowledges with empty TwiML.
func (g *Gateway) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.BodyLimitWebhook)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body_too_large"})
		return
	}

	sender := r.PostForm.Get("From")
	if g.twilio.Blocked(sender) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "sender_blocked"})
		return
	}
	if !g.twilio.Validate(r.URL.Path, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		g.twilio.Penalize(r.Context(), sender)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid_signature"})
		return
	}

	eventID := r.PostForm.Get("MessageSid")
	if eventID == "" {
		eventID = r.PostForm.Get("CallSid")
	}
	if eventID != "" {
		dup, err := g.seen.IsDuplicate(r.Context(), eventID, "twilio")
		if err == nil && dup {
			writeTwiML(w)
			return
		}
		if err := g.seen.MarkSeen(r.Context(), eventID, "twilio"); err != nil {
			slog.Warn("webhook dedupe mark failed", "event", eventID, "error", err)
		}
	}

	slog.Info("telephony webhook accepted", "tenant", mux.Vars(r)["tenantId"], "event", eventID)
	writeTwiML(w)
}

func (g *Gateway) handleHangup(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`)
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if _, err := g.auth.Resolve(r.Context(), bearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": g.cfg.Models})
}

// usageUnits reads usage.total_tokens from an OpenAI-shaped response,
// falling back to a rough request-size estimate.
func usageUnits(reqBody, respBody []byte) int64 {
	var parsed struct {
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Usage.TotalTokens > 0 {
		return parsed.Usage.TotalTokens
	}
	units := int64(len(reqBody)) / 4
	if units < 1 {
		units = 1
	}
	return units
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func setRateHeaders(w http.ResponseWriter, d *RateDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
	return status
}

// writeError maps error kinds onto gateway status codes.
func writeError(w http.ResponseWriter, err error) int {
	kind := platform.KindOf(err)
	body := map[string]interface{}{"error": errorCode(kind)}
	for k, v := range platform.DetailsOf(err) {
		body[k] = v
	}
	return writeJSON(w, statusFor(kind), body)
}

func errorCode(kind platform.Kind) string {
	switch kind {
	case platform.KindAuth:
		return "unauthorized"
	case platform.KindValidation:
		return "validation_failed"
	case platform.KindForbidden:
		return "forbidden"
	case platform.KindNotFound:
		return "not_found"
	case platform.KindInsufficientBalance:
		return "insufficient_credits"
	case platform.KindSpendingCap:
		return "spending_cap_exceeded"
	case platform.KindRateLimited:
		return "rate_limited"
	case platform.KindUpstream:
		return "upstream_failed"
	default:
		return "internal_error"
	}
}

func statusFor(kind platform.Kind) int {
	switch kind {
	case platform.KindValidation:
		return http.StatusBadRequest
	case platform.KindAuth:
		return http.StatusUnauthorized
	case platform.KindInsufficientBalance, platform.KindSpendingCap:
		return http.StatusPaymentRequired
	case platform.KindForbidden:
		return http.StatusForbidden
	case platform.KindNotFound:
		return http.StatusNotFound
	case platform.KindConflict:
		return http.StatusConflict
	case platform.KindRateLimited:
		return http.StatusTooManyRequests
	case platform.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
