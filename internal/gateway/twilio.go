package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wopr/platform/internal/store"
)

const (
	penaltyWindow   = 10 * time.Minute
	penaltyMax      = 10
	penaltyBlockFor = time.Hour
)

// TwilioValidator checks telephony webhook signatures and blocks
// senders that keep sending invalid ones.
type TwilioValidator struct {
	authToken string
	baseURL   string
	rates     store.RateLimitRepo

	mu      sync.Mutex
	blocked map[string]time.Time
}

func NewTwilioValidator(authToken, webhookBaseURL string, rates store.RateLimitRepo) *TwilioValidator {
	return &TwilioValidator{
		authToken: authToken,
		baseURL:   strings.TrimSuffix(webhookBaseURL, "/"),
		rates:     rates,
		blocked:   map[string]time.Time{},
	}
}

// Enabled reports whether validation is configured. Without an auth
// token webhooks are rejected outright rather than passed unchecked.
func (v *TwilioValidator) Enabled() bool { return v.authToken != "" }

// Validate checks the X-Twilio-Signature over the request path and the
// sorted form parameters: URL + concat(key+value sorted by key),
// HMAC-SHA1 with the auth token, base64, constant-time compare.
func (v *TwilioValidator) Validate(path, signature string, form url.Values) bool {
	if !v.Enabled() || signature == "" {
		return false
	}
	payload := v.baseURL + path
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		payload += k + form.Get(k)
	}

	mac := hmac.New(sha1.New, []byte(v.authToken))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Blocked reports whether the sender is serving out a penalty.
func (v *TwilioValidator) Blocked(sender string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	until, ok := v.blocked[sender]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(v.blocked, sender)
		return false
	}
	return true
}

// Penalize counts one invalid signature for the sender; past the
// per-window budget the sender is blocked for an hour.
func (v *TwilioValidator) Penalize(ctx context.Context, sender string) {
	if sender == "" {
		return
	}
	windowStart := time.Now().UTC().Truncate(penaltyWindow)
	count, err := v.rates.Incr(ctx, "twilio:penalty", sender, windowStart)
	if err != nil {
		slog.Warn("webhook penalty counter failed", "sender", sender, "error", err)
		return
	}
	if count < penaltyMax {
		return
	}
	v.mu.Lock()
	v.blocked[sender] = time.Now().Add(penaltyBlockFor)
	v.mu.Unlock()
	slog.Warn("webhook sender blocked", "sender", sender, "invalidSignatures", count, "for", penaltyBlockFor)
}
