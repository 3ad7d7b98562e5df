// Package api is the control-plane HTTP surface: admin fleet
// operations, node enrollment and the command channel, quota checks,
// snapshots, and the health/metrics endpoints. Tenant-facing /v1
// traffic is mounted separately by the gateway.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopr/platform/internal/deletion"
	"github.com/wopr/platform/internal/migration"
	"github.com/wopr/platform/internal/nodes"
	"github.com/wopr/platform/internal/placement"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/snapshot"
	"github.com/wopr/platform/internal/store"
)

// Server bundles the handlers and their dependencies.
type Server struct {
	registry  *nodes.Registry
	transport *nodes.Transport
	placer    *placement.Service
	migrator  *migration.Orchestrator
	snapshots *snapshot.Manager
	deletions *deletion.Service
	stores    *store.Stores
	balance   BalanceFunc

	platformDomain string
	fleetAPIToken  string
	adminToken     string
	dlqPath        string
	homeBase       string
}

// BalanceFunc reads a tenant's current credit balance in raw units.
type BalanceFunc func(ctx context.Context, tenantID string) (int64, error)

type Options struct {
	PlatformDomain string
	FleetAPIToken  string
	AdminToken     string
	DLQPath        string

	// HomeBase is the root of per-instance home directories. When set,
	// snapshot create/restore default to <HomeBase>/<instanceId>.
	HomeBase string
}

func NewServer(registry *nodes.Registry, transport *nodes.Transport, placer *placement.Service,
	migrator *migration.Orchestrator, snapshots *snapshot.Manager, deletions *deletion.Service,
	stores *store.Stores, balance BalanceFunc, opts Options) *Server {
	return &Server{
		registry:       registry,
		transport:      transport,
		placer:         placer,
		migrator:       migrator,
		snapshots:      snapshots,
		deletions:      deletions,
		stores:         stores,
		balance:        balance,
		platformDomain: opts.PlatformDomain,
		fleetAPIToken:  opts.FleetAPIToken,
		adminToken:     opts.AdminToken,
		dlqPath:        opts.DLQPath,
		homeBase:       opts.HomeBase,
	}
}

// Router builds the control-plane router. The gateway mounts its own
// /v1 routes on the same router in main.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Node enrollment and command channel.
	r.HandleFunc("/internal/nodes/register", s.handleNodeRegister).Methods(http.MethodPost)
	r.HandleFunc("/internal/nodes/{nodeId}/ws", s.handleNodeWS).Methods(http.MethodGet)

	// Quota surface for the worker fleet.
	r.HandleFunc("/quota/", s.requireFleetToken(s.handleQuota)).Methods(http.MethodGet)
	r.HandleFunc("/quota/check", s.requireFleetToken(s.handleQuotaCheck)).Methods(http.MethodPost)

	// Admin fleet operations. Session auth terminates upstream; this
	// service only checks the shared admin token.
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	admin.HandleFunc("/nodes/tokens", s.handleCreateToken).Methods(http.MethodPost)
	admin.HandleFunc("/nodes/{id}/recover", s.handleRecoverNode).Methods(http.MethodPost)
	admin.HandleFunc("/nodes/{id}/drain", s.handleDrainNode).Methods(http.MethodPost)
	admin.HandleFunc("/nodes/{id}/decommission", s.handleDecommissionNode).Methods(http.MethodPost)
	admin.HandleFunc("/recovery", s.handleListRecovery).Methods(http.MethodGet)
	admin.HandleFunc("/recovery/{id}/retry", s.handleRetryRecovery).Methods(http.MethodPost)
	admin.HandleFunc("/migration/{botId}", s.handleMigrate).Methods(http.MethodPost)
	admin.HandleFunc("/meter/dlq", s.handleMeterDLQ).Methods(http.MethodGet)

	// Instance snapshots and account deletion.
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAdmin)
	api.HandleFunc("/instances/{id}/snapshots", s.handleCreateSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/snapshots/{sid}/restore", s.handleRestoreSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/account/{tenantId}/deletion", s.handleRequestDeletion).Methods(http.MethodPost)
	api.HandleFunc("/account/deletion/{id}/cancel", s.handleCancelDeletion).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAdmin gates /api routes on the configured admin token. With no
// token configured the surface stays disabled rather than open.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin surface disabled"})
			return
		}
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireFleetToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.fleetAPIToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "quota surface disabled"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(s.fleetAPIToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// ExtractTenantSubdomain returns the tenant for `<tenant>.<domain>`
// hosts, or "" when the host is the bare domain or something else.
func ExtractTenantSubdomain(host, platformDomain string) string {
	host = strings.ToLower(strings.Split(host, ":")[0])
	suffix := "." + strings.ToLower(platformDomain)
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	sub := strings.TrimSuffix(host, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError maps platform error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch platform.KindOf(err) {
	case platform.KindValidation:
		status = http.StatusBadRequest
	case platform.KindAuth:
		status = http.StatusUnauthorized
	case platform.KindForbidden:
		status = http.StatusForbidden
	case platform.KindNotFound:
		status = http.StatusNotFound
	case platform.KindConflict:
		status = http.StatusConflict
	case platform.KindInsufficientBalance:
		status = http.StatusPaymentRequired
	case platform.KindNodeDisconnected, platform.KindNodeUnreachable:
		status = http.StatusServiceUnavailable
	case platform.KindCommandTimeout:
		status = http.StatusGatewayTimeout
	}
	body := map[string]interface{}{"error": err.Error()}
	for k, v := range platform.DetailsOf(err) {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// Serve runs the HTTP server until the context is cancelled, then
// drains with a bounded shutdown.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-op admin calls (migration, drain)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
