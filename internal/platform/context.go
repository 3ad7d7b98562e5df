package platform

import "context"

type contextKey int

const (
	tenantKey contextKey = iota
	serviceKeyIDKey
	userKey
)

// WithTenant stamps the authenticated tenant onto the request context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFrom returns the authenticated tenant, or "" when unauthenticated.
func TenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// WithServiceKeyID records which service key authenticated the request.
func WithServiceKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, serviceKeyIDKey, keyID)
}

// ServiceKeyIDFrom returns the authenticating service key id, or "".
func ServiceKeyIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(serviceKeyIDKey).(string)
	return v
}

// WithUser stamps the session user (dashboard/admin surface).
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserFrom returns the session user, or "".
func UserFrom(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}
