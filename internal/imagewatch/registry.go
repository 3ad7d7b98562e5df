package imagewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RegistryProber resolves image digests with HEAD requests against the
// OCI distribution API, fetching an anonymous pull token when the
// registry demands one.
type RegistryProber struct {
	client *http.Client
}

func NewRegistryProber() *RegistryProber {
	return &RegistryProber{client: &http.Client{Timeout: 10 * time.Second}}
}

const manifestAccept = "application/vnd.oci.image.index.v1+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.docker.distribution.manifest.v2+json"

// Digest HEADs the manifest and returns the content digest header.
func (p *RegistryProber) Digest(ctx context.Context, imageRef string) (string, error) {
	registry, repo, tag := splitRef(imageRef)
	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", registry, repo, tag)

	digest, challenge, err := p.head(ctx, url, "")
	if err != nil {
		return "", err
	}
	if challenge == "" {
		return digest, nil
	}

	token, err := p.anonymousToken(ctx, challenge)
	if err != nil {
		return "", err
	}
	digest, challenge, err = p.head(ctx, url, token)
	if err != nil {
		return "", err
	}
	if challenge != "" {
		return "", fmt.Errorf("registry %s rejected anonymous pull for %s", registry, repo)
	}
	return digest, nil
}

// head returns (digest, authChallenge, err). A 401 with a bearer
// challenge is not an error; the caller retries with a token.
func (p *RegistryProber) head(ctx context.Context, url, token string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", manifestAccept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", resp.Header.Get("WWW-Authenticate"), nil
	case resp.StatusCode != http.StatusOK:
		return "", "", fmt.Errorf("manifest HEAD returned %d", resp.StatusCode)
	}
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", "", fmt.Errorf("registry did not return a content digest")
	}
	return digest, "", nil
}

// anonymousToken follows a bearer challenge like
// Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:x:pull".
func (p *RegistryProber) anonymousToken(ctx context.Context, challenge string) (string, error) {
	params := parseChallenge(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("unsupported auth challenge: %s", challenge)
	}
	url := realm
	sep := "?"
	for _, k := range []string{"service", "scope"} {
		if v := params[k]; v != "" {
			url += sep + k + "=" + v
			sep = "&"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return body.AccessToken, nil
}

func parseChallenge(header string) map[string]string {
	out := map[string]string{}
	header = strings.TrimPrefix(header, "Bearer ")
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// splitRef breaks an image reference into registry, repository and tag.
// Bare references default to Docker Hub with the library namespace and
// the latest tag, matching pull behavior.
func splitRef(imageRef string) (registry, repo, tag string) {
	tag = "latest"
	rest := imageRef
	if i := strings.LastIndex(rest, ":"); i > strings.LastIndex(rest, "/") {
		tag = rest[i+1:]
		rest = rest[:i]
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":") || parts[0] == "localhost") {
		return parts[0], parts[1], tag
	}
	repo = rest
	if !strings.Contains(repo, "/") {
		repo = "library/" + repo
	}
	return "registry-1.docker.io", repo, tag
}
