// Package sfapi is the client for the remote Super-Facility API (SFAPI):
// an OAuth2 client-credentials token source using a private-key JWT
// client assertion (RFC 7523), plus the job-submission/status REST calls
// layered on top of it. The JWT construction follows the same
// golang-jwt/jwt/v5 usage the teacher repo uses for its own access
// tokens (server/internal/auth/jwt.go), generalized from RS256 user
// tokens to a client-assertion grant.
package sfapi

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// assertionDuration bounds the lifetime of the signed JWT client
// assertion presented at the token endpoint — short-lived, since it is
// minted fresh for every token request.
const assertionDuration = 5 * time.Minute

// AuthConfig holds the settings needed to mint SFAPI access tokens via the
// private-key JWT client-credentials grant (spec.md §6).
type AuthConfig struct {
	TokenURL      string
	ClientID      string
	PrivateKeyPEM string
	GrantType     string
}

// newTokenSource builds an oauth2.TokenSource that authenticates using a
// PrivateKeyJWT client assertion (RFC 7523) instead of a client secret, the
// same flow authlib's PrivateKeyJWT performs in the source system.
func newTokenSource(ctx context.Context, cfg AuthConfig) (oauth2.TokenSource, error) {
	key, err := parseRSAPrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("sfapi: parsing SFAPI private key: %w", err)
	}

	cc := &clientcredentials.Config{
		ClientID:  cfg.ClientID,
		TokenURL:  cfg.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"grant_type":            {cfg.GrantType},
			"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		},
	}

	assertionSource := &assertionRefreshingSource{
		cfg: cc,
		key: key,
		aud: cfg.TokenURL,
		iss: cfg.ClientID,
		sub: cfg.ClientID,
	}
	return oauth2.ReuseTokenSource(nil, assertionSource), nil
}

// assertionRefreshingSource mints a fresh signed JWT assertion on every
// Token() call and exchanges it at the token endpoint. Wrapped in
// oauth2.ReuseTokenSource by the caller so a still-valid access token is
// reused instead of re-minted on every request — mirroring
// AsyncOAuth2Client.ensure_active_token in the source system, which only
// contacts the token endpoint when the cached token has actually expired.
type assertionRefreshingSource struct {
	cfg *clientcredentials.Config
	key *rsa.PrivateKey
	aud string
	iss string
	sub string
}

func (s *assertionRefreshingSource) Token() (*oauth2.Token, error) {
	assertion, err := signAssertion(s.key, s.iss, s.sub, s.aud)
	if err != nil {
		return nil, fmt.Errorf("sfapi: signing client assertion: %w", err)
	}

	cfgCopy := *s.cfg
	params := url.Values{}
	for k, v := range s.cfg.EndpointParams {
		params[k] = v
	}
	params.Set("client_assertion", assertion)
	cfgCopy.EndpointParams = params

	return cfgCopy.Token(context.Background())
}

func signAssertion(key *rsa.PrivateKey, issuer, subject, audience string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionDuration)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", err
	}
	return signed, nil
}

func parseRSAPrivateKey(pemBytes string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemBytes))
	if block == nil {
		return nil, errors.New("sfapi: failed to decode private key PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("sfapi: PKCS#8 key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("sfapi: unsupported private key PEM type: %s", block.Type)
	}
}
