package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wopr/platform/internal/config"
	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

const (
	// Repeated 5xx from one adapter inside failureWindow marks it
	// unhealthy for unhealthyTTL. The override expires on its own.
	autoUnhealthyAfter = 3
	failureWindow      = time.Minute
	unhealthyTTL       = 5 * time.Minute
)

// Adapter is one upstream provider for a capability.
type Adapter struct {
	Name       string
	Capability string
	BaseURL    string
	APIKey     string
	CostPerK   float64
	Priority   int
}

// UpstreamResponse is a fully buffered upstream reply.
type UpstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Registry routes capabilities to provider adapters ordered by
// (healthy DESC, cost ASC, priority ASC), falling through on failure.
type Registry struct {
	adapters map[string][]Adapter
	health   store.ProviderHealthRepo
	client   *http.Client

	mu       sync.Mutex
	failures map[string][]time.Time
}

func NewRegistry(entries []config.ProviderEntry, health store.ProviderHealthRepo, timeout time.Duration) *Registry {
	adapters := map[string][]Adapter{}
	for _, e := range entries {
		adapters[e.Capability] = append(adapters[e.Capability], Adapter{
			Name:       e.Name,
			Capability: e.Capability,
			BaseURL:    e.BaseURL,
			APIKey:     e.APIKey,
			CostPerK:   e.CostPerK,
			Priority:   e.Priority,
		})
	}
	return &Registry{
		adapters: adapters,
		health:   health,
		client:   &http.Client{Timeout: timeout},
		failures: map[string][]time.Time{},
	}
}

// Ordered returns the capability's adapters, healthy first, then by
// cost and priority.
func (r *Registry) Ordered(ctx context.Context, capability string) []Adapter {
	list := append([]Adapter(nil), r.adapters[capability]...)
	healthy := make(map[string]bool, len(list))
	for _, a := range list {
		ok, err := r.health.Healthy(ctx, a.Name, capability)
		if err != nil {
			slog.Warn("provider health lookup failed", "provider", a.Name, "error", err)
			ok = true
		}
		healthy[a.Name] = ok
	}
	sort.SliceStable(list, func(i, j int) bool {
		if healthy[list[i].Name] != healthy[list[j].Name] {
			return healthy[list[i].Name]
		}
		if list[i].CostPerK != list[j].CostPerK {
			return list[i].CostPerK < list[j].CostPerK
		}
		return list[i].Priority < list[j].Priority
	})
	return list
}

// Forward tries each adapter in order until one answers with a
// non-5xx status. After every adapter fails the caller surfaces 502.
func (r *Registry) Forward(ctx context.Context, capability, path string, header http.Header, body []byte) (*UpstreamResponse, *Adapter, error) {
	adapters := r.Ordered(ctx, capability)
	if len(adapters) == 0 {
		return nil, nil, platform.Ef(platform.KindUpstream, "no provider configured for %s", capability)
	}

	for i := range adapters {
		a := adapters[i]
		resp, err := r.send(ctx, &a, path, header, body)
		if err != nil {
			slog.Warn("upstream request failed", "provider", a.Name, "capability", capability, "error", err)
			r.recordFailure(ctx, &a)
			continue
		}
		if resp.Status >= 500 {
			slog.Warn("upstream returned server error", "provider", a.Name, "status", resp.Status)
			r.recordFailure(ctx, &a)
			continue
		}
		return resp, &a, nil
	}
	return nil, nil, platform.Ef(platform.KindUpstream, "all providers failed for %s", capability)
}

func (r *Registry) send(ctx context.Context, a *Adapter, path string, header http.Header, body []byte) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if ct := header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &UpstreamResponse{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// recordFailure tracks recent 5xx per (provider, capability) and writes
// a TTL'd unhealthy override once the burst threshold is crossed.
func (r *Registry) recordFailure(ctx context.Context, a *Adapter) {
	key := a.Name + ":" + a.Capability
	now := time.Now()

	r.mu.Lock()
	recent := r.failures[key][:0]
	for _, t := range r.failures[key] {
		if now.Sub(t) < failureWindow {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	r.failures[key] = recent
	trip := len(recent) >= autoUnhealthyAfter
	if trip {
		r.failures[key] = nil
	}
	r.mu.Unlock()

	if !trip {
		return
	}
	err := r.health.SetOverride(ctx, &store.ProviderHealth{
		Provider:   a.Name,
		Capability: a.Capability,
		Healthy:    false,
		Reason:     "repeated upstream 5xx",
		ExpiresAt:  now.Add(unhealthyTTL),
	})
	if err != nil {
		slog.Warn("provider health override not written", "provider", a.Name, "error", err)
		return
	}
	slog.Warn("provider marked unhealthy", "provider", a.Name, "capability", a.Capability, "ttl", unhealthyTTL)
}

// Cost converts upstream usage units into provider cost.
func (a *Adapter) Cost(units int64) credit.Credit {
	if units <= 0 {
		units = 1
	}
	return credit.FromDollars(1).MulFloat(a.CostPerK * float64(units) / 1000)
}
