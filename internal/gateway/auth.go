package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// Identity is the resolved caller of a tenant-authenticated route.
type Identity struct {
	TenantID     string
	ServiceKeyID string
}

// Authenticator resolves `wopr_<keyId>.<secret>` bearer keys. Only the
// bcrypt hash of the secret half is ever stored.
type Authenticator struct {
	keys store.ServiceKeyRepo
}

func NewAuthenticator(keys store.ServiceKeyRepo) *Authenticator {
	return &Authenticator{keys: keys}
}

// Resolve validates a raw bearer value and returns the caller identity.
func (a *Authenticator) Resolve(ctx context.Context, bearer string) (*Identity, error) {
	keyID, secret, ok := splitKey(bearer)
	if !ok {
		return nil, platform.E(platform.KindAuth, "malformed service key")
	}
	k, err := a.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !k.Active {
		return nil, platform.E(platform.KindAuth, "service key deactivated")
	}
	if bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)) != nil {
		return nil, platform.E(platform.KindAuth, "invalid service key")
	}
	return &Identity{TenantID: k.TenantID, ServiceKeyID: k.KeyID}, nil
}

// Mint creates a new service key for the tenant and returns the full
// plaintext key. It is shown once and cannot be recovered.
func (a *Authenticator) Mint(ctx context.Context, tenantID, name string) (string, *store.ServiceKey, error) {
	keyID := randomHex(8)
	secret := randomHex(24)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}
	k := &store.ServiceKey{
		KeyID:      keyID,
		TenantID:   tenantID,
		Name:       name,
		SecretHash: string(hash),
		Active:     true,
	}
	if err := a.keys.Create(ctx, k); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("wopr_%s.%s", keyID, secret), k, nil
}

// splitKey parses `wopr_<keyId>.<secret>`.
func splitKey(bearer string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(bearer, "wopr_")
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, ".")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
