// Package auth obtains and caches IAM bearer tokens for the Cloud Monitoring
// API. A PS256-signed assertion built from service account key material is
// exchanged for a bearer token; the token is cached and refreshed lazily
// before it expires. Concurrent refreshes collapse into a single in-flight
// exchange.
package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultEndpoint is the IAM token exchange endpoint.
	DefaultEndpoint = "https://iam.api.cloud.yandex.net/iam/v1/tokens"
	// DefaultTokenLifetime is how long an exchanged token is considered valid.
	DefaultTokenLifetime = time.Hour
	// DefaultRefreshMargin is the safety window before expiry within which a
	// token is refreshed instead of returned.
	DefaultRefreshMargin = 5 * time.Minute
	// DefaultExchangeTimeout bounds the token exchange network call.
	DefaultExchangeTimeout = 10 * time.Second

	// assertionLifetime is the validity window of the signed JWT assertion.
	assertionLifetime = time.Hour

	maxErrorBody = 512
)

var (
	tokenRefreshTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudmetrics_token_refresh_total",
		Help: "Total number of successful IAM token exchanges",
	})

	tokenRefreshErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudmetrics_token_refresh_errors_total",
		Help: "Total number of failed IAM token exchanges",
	})
)

func init() {
	prometheus.MustRegister(tokenRefreshTotal)
	prometheus.MustRegister(tokenRefreshErrorsTotal)
}

// AuthError indicates that credential material is invalid or the token
// exchange failed.
type AuthError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// serviceAccountKey is the on-disk key file shape.
type serviceAccountKey struct {
	ID               string `json:"id"`
	ServiceAccountID string `json:"service_account_id"`
	PrivateKey       string `json:"private_key"`
}

// Config holds token source configuration.
type Config struct {
	// KeyFile is the path to the service account key JSON file.
	KeyFile string
	// Endpoint is the token exchange endpoint (default: DefaultEndpoint).
	Endpoint string
	// TokenLifetime is the cached token validity (default: 1h).
	TokenLifetime time.Duration
	// RefreshMargin is the pre-expiry refresh window (default: 5m).
	RefreshMargin time.Duration
	// ExchangeTimeout bounds the exchange network call (default: 10s).
	ExchangeTimeout time.Duration
}

// credential is the cached bearer token. Owned exclusively by the TokenSource.
type credential struct {
	token     string
	issuedAt  time.Time
	expiresAt time.Time
}

// TokenSource caches a bearer token and refreshes it on demand.
type TokenSource struct {
	keyID      string
	issuer     string
	signingKey *rsa.PrivateKey

	endpoint string
	lifetime time.Duration
	margin   time.Duration
	timeout  time.Duration
	client   *http.Client

	cred  atomic.Pointer[credential]
	group singleflight.Group

	now func() time.Time
}

// NewTokenSource reads and validates key material and returns a token source.
// No network call is made until the first Token request.
func NewTokenSource(cfg Config) (*TokenSource, error) {
	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, &AuthError{Op: "read key file", Err: err}
	}
	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, &AuthError{Op: "parse key file", Err: err}
	}
	if key.ID == "" || key.ServiceAccountID == "" || key.PrivateKey == "" {
		return nil, &AuthError{Op: "parse key file", Err: fmt.Errorf("missing id, service_account_id or private_key")}
	}
	signingKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, &AuthError{Op: "parse private key", Err: err}
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}

	return &TokenSource{
		keyID:      key.ID,
		issuer:     key.ServiceAccountID,
		signingKey: signingKey,
		endpoint:   cfg.Endpoint,
		lifetime:   cfg.TokenLifetime,
		margin:     cfg.RefreshMargin,
		timeout:    cfg.ExchangeTimeout,
		client:     &http.Client{Timeout: cfg.ExchangeTimeout},
		now:        time.Now,
	}, nil
}

// Token returns a bearer token, refreshing it first when it is within the
// refresh margin of expiry. The fast path is lock-free; refreshes are
// serialized so concurrent callers share one exchange.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if c := s.cred.Load(); c != nil && s.fresh(c) {
		return c.token, nil
	}

	v, err, _ := s.group.Do("token", func() (interface{}, error) {
		// A refresh may have completed while this caller waited on the flight.
		if c := s.cred.Load(); c != nil && s.fresh(c) {
			return c.token, nil
		}
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *TokenSource) fresh(c *credential) bool {
	return s.now().Before(c.expiresAt.Add(-s.margin))
}

// refresh exchanges a signed assertion for a new bearer token and stores it.
// On failure the cache is left untouched.
func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	assertion, err := s.signedAssertion()
	if err != nil {
		tokenRefreshErrorsTotal.Inc()
		return "", &AuthError{Op: "sign assertion", Err: err}
	}

	body, err := json.Marshal(map[string]string{"jwt": assertion})
	if err != nil {
		tokenRefreshErrorsTotal.Inc()
		return "", &AuthError{Op: "encode exchange request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		tokenRefreshErrorsTotal.Inc()
		return "", &AuthError{Op: "build exchange request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		tokenRefreshErrorsTotal.Inc()
		return "", &AuthError{Op: "exchange token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		tokenRefreshErrorsTotal.Inc()
		return "", &AuthError{
			Op:  "exchange token",
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg),
		}
	}

	var out struct {
		IAMToken string `json:"iamToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		tokenRefreshErrorsTotal.Inc()
		return "", &AuthError{Op: "decode exchange response", Err: err}
	}
	if out.IAMToken == "" {
		tokenRefreshErrorsTotal.Inc()
		return "", &AuthError{Op: "decode exchange response", Err: fmt.Errorf("empty iamToken")}
	}

	now := s.now()
	s.cred.Store(&credential{
		token:     out.IAMToken,
		issuedAt:  now,
		expiresAt: now.Add(s.lifetime),
	})
	tokenRefreshTotal.Inc()

	return out.IAMToken, nil
}

// signedAssertion builds the PS256-signed JWT exchanged for a bearer token.
func (s *TokenSource) signedAssertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{s.endpoint},
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodPS256, claims)
	tok.Header["kid"] = s.keyID
	return tok.SignedString(s.signingKey)
}
