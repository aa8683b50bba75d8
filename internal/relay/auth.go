package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const tokenExpiry = 1 * time.Hour

// TokenProvider generates authentication tokens for the tunneling
// endpoint.
type TokenProvider interface {
	// GetToken returns a token string suitable for the rt-token query
	// parameter on a channel dial.
	GetToken(ctx context.Context, resourceURI string) (string, error)
}

// StaticTokenProvider returns a fixed, pre-issued token, such as the
// short-lived access key handed out by the platform's listCredentials
// API.
type StaticTokenProvider struct {
	Token string
}

// GetToken returns the fixed token.
func (p *StaticTokenProvider) GetToken(context.Context, string) (string, error) {
	return p.Token, nil
}

// SharedKeyTokenProvider generates HMAC-signed shared-access tokens from
// a named endpoint key.
type SharedKeyTokenProvider struct {
	KeyName string
	Key     string
}

// GetToken generates a shared-access token for the given resource URI.
func (p *SharedKeyTokenProvider) GetToken(_ context.Context, resourceURI string) (string, error) {
	return GenerateSharedAccessToken(resourceURI, p.KeyName, p.Key, tokenExpiry)
}

// OAuthTokenProvider obtains OAuth2 tokens via Azure Identity
// (DefaultAzureCredential by default).
type OAuthTokenProvider struct {
	cred  azcore.TokenCredential
	scope string
}

// DefaultTokenScope is the OAuth2 scope requested for the tunneling
// endpoint when none is configured.
const DefaultTokenScope = "https://relay.azure.net/.default"

// NewOAuthTokenProvider creates a token provider using
// DefaultAzureCredential. scope may be empty to use DefaultTokenScope.
func NewOAuthTokenProvider(scope string) (*OAuthTokenProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return NewOAuthTokenProviderWithCredential(cred, scope), nil
}

// NewOAuthTokenProviderWithCredential creates a token provider with a
// specific TokenCredential. This is primarily useful for testing.
func NewOAuthTokenProviderWithCredential(cred azcore.TokenCredential, scope string) *OAuthTokenProvider {
	if scope == "" {
		scope = DefaultTokenScope
	}
	return &OAuthTokenProvider{cred: cred, scope: scope}
}

// GetToken obtains an OAuth2 token for the tunneling endpoint. The
// resourceURI parameter is ignored; the token is scoped to the
// provider's configured scope.
func (p *OAuthTokenProvider) GetToken(ctx context.Context, _ string) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{p.scope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	return tk.Token, nil
}

// GenerateSharedAccessToken creates an HMAC-SHA256 shared-access token
// for the tunneling endpoint. The key is the raw key value.
func GenerateSharedAccessToken(resourceURI, keyName, key string, expiry time.Duration) (string, error) {
	uri := url.QueryEscape(strings.ToLower(resourceURI))
	exp := time.Now().Add(expiry).Unix()
	sig := signSharedAccess(uri, exp, key)
	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		uri, url.QueryEscape(sig), exp, keyName), nil
}

// signSharedAccess computes the token signature over the escaped
// resource URI and the expiry, newline-separated, as the endpoint
// verifies it.
func signSharedAccess(uri string, expiry int64, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s\n%d", uri, expiry)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ResourceURI returns the https:// resource URI that shared-access
// tokens are scoped to: the endpoint FQDN, plus the tunnel entity as
// the path when one is given.
func ResourceURI(fqdn, tunnel string) string {
	u := url.URL{Scheme: "https", Host: fqdn}
	if tunnel != "" {
		u.Path = "/" + tunnel
	}
	return u.String()
}

// sanitizeErr redacts every rt-token query value in a dial error so
// credentials never reach logs. The token is query-escaped on the wire,
// so its value runs until a quote, space, ampersand, or end of string.
func sanitizeErr(err error) error {
	const marker = "rt-token="
	rest := err.Error()
	var b strings.Builder
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i+len(marker)])
		b.WriteString("REDACTED")
		rest = rest[i+len(marker):]
		if end := strings.IndexAny(rest, "\" &"); end >= 0 {
			rest = rest[end:]
		} else {
			rest = ""
		}
	}
	return errors.New(b.String())
}
