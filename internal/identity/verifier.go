// Package identity verifies phone-OTP ID tokens issued by Firebase Auth.
package identity

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Token is the verified identity
type Token struct {
	UID         string
	PhoneNumber string
}

// Verifier checks an ID token
type Verifier interface {
	Verify(ctx context.Context, idToken string) (*Token, error)
}

// certRefetchInterval bounds how often an unknown kid may force a fetch of
// still-fresh certificates.
const certRefetchInterval = time.Minute

type firebaseClaims struct {
	jwt.RegisteredClaims
	PhoneNumber string `json:"phone_number"`
}

// FirebaseVerifier validates RS256 ID tokens against Google's rotating
// securetoken certificates.
type FirebaseVerifier struct {
	projectID string
	certsURL  string
	http      *resty.Client
	log       *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time
}

// NewFirebaseVerifier creates a verifier for projectID, fetching certificates from certsURL.
func NewFirebaseVerifier(projectID, certsURL string, log *zap.Logger) *FirebaseVerifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &FirebaseVerifier{
		projectID: projectID,
		certsURL:  certsURL,
		http:      client,
		log:       log,
		now:       time.Now,
	}
}

// Verify parses and validates idToken
func (v *FirebaseVerifier) Verify(ctx context.Context, idToken string) (*Token, error) {
	if idToken == "" {
		return nil, fmt.Errorf("empty id token")
	}

	claims := &firebaseClaims{}
	_, err := jwt.ParseWithClaims(idToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.projectID),
		jwt.WithIssuer("https://securetoken.google.com/"+v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid id token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("invalid id token: empty subject")
	}

	return &Token{UID: claims.Subject, PhoneNumber: claims.PhoneNumber}, nil
}

// key returns the public key for kid, refreshing the cached set when it has
// expired or does not know kid. Unknown kids refetch at most once per
// certRefetchInterval.
func (v *FirebaseVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := v.now()
	v.mu.RLock()
	k, ok := v.keys[kid]
	fresh := now.Before(v.expiresAt)
	recent := now.Sub(v.fetchedAt) < certRefetchInterval
	v.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}
	if fresh && recent {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return k, nil
}

func (v *FirebaseVerifier) refresh(ctx context.Context) error {
	var certs map[string]string
	resp, err := v.http.R().
		SetContext(ctx).
		SetResult(&certs).
		Get(v.certsURL)
	if err != nil {
		return fmt.Errorf("failed to fetch signing certificates: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("failed to fetch signing certificates: status %d", resp.StatusCode())
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, certPEM := range certs {
		key, err := parseCertificateKey(certPEM)
		if err != nil {
			v.log.Warn("skipping unparseable signing certificate", zap.String("kid", kid), zap.Error(err))
			continue
		}
		keys[kid] = key
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.now()
	v.expiresAt = v.fetchedAt.Add(maxAge(resp.Header().Get("Cache-Control")))
	v.mu.Unlock()

	v.log.Debug("refreshed identity signing keys", zap.Int("count", len(keys)))
	return nil
}

func parseCertificateKey(certPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, not RSA", cert.PublicKey)
	}
	return key, nil
}

// maxAge reads max-age from a Cache-Control header, defaulting to one hour.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return time.Hour
}
