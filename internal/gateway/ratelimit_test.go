package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityResolution(t *testing.T) {
	cases := map[string]string{
		"/v1/chat/completions":     "llm",
		"/v1/completions":          "llm",
		"/v1/embeddings":           "llm",
		"/v1/messages":             "llm",
		"/v1/images/generations":   "imageGen",
		"/v1/video/generations":    "imageGen",
		"/v1/audio/speech":         "audioSpeech",
		"/v1/audio/transcriptions": "audioSpeech",
		"/v1/phone/outbound":       "telephony",
		"/v1/messages/sms":         "telephony",
		"/v1/unknown/thing":        "",
	}
	for path, want := range cases {
		assert.Equal(t, want, capabilityFor(path), "path %s", path)
	}
}

func TestRateLimiterExhaustsWindow(t *testing.T) {
	l := NewRateLimiter(newFakeRateRepo(), map[string]int{"llm": 3}, 60, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "acme", "llm")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "acme", "llm")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.WithinDuration(t, time.Now().Add(time.Minute), d.Reset, time.Minute)
}

func TestRateLimiterTenantsAreIndependent(t *testing.T) {
	l := NewRateLimiter(newFakeRateRepo(), map[string]int{"llm": 1}, 60, nil)
	ctx := context.Background()

	d, _ := l.Allow(ctx, "acme", "llm")
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "acme", "llm")
	require.False(t, d.Allowed)

	d, err := l.Allow(ctx, "globex", "llm")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiterFallbackLimit(t *testing.T) {
	l := NewRateLimiter(newFakeRateRepo(), nil, 2, nil)
	ctx := context.Background()

	d, _ := l.Allow(ctx, "acme", "audioSpeech")
	assert.Equal(t, 2, d.Limit)
}
