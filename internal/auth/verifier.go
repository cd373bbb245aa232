// Package auth verifies bearer tokens and yields the caller's user id and
// role. Three modes are supported: dev (unsigned "userId:role" tokens),
// hmac (HS256) and jwks (RS256 keys fetched from a JWKS URL).
package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ticketdesk/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

type Options struct {
	Mode       string
	HMACSecret string
	JWKSURL    string
	UserClaim  string
	RoleClaim  string
}

// Verifier validates tokens. It is safe for concurrent use.
type Verifier struct {
	mode       string
	hmacSecret []byte
	jwksURL    string
	userClaim  string
	roleClaim  string
	http       *http.Client
	now        func() time.Time

	mu        sync.RWMutex
	jwks      jwks
	lastFetch time.Time
	cacheTTL  time.Duration
}

type jwks struct {
	Keys []jwk `json:"keys"`
}
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// Principal is the identity carried by a verified token.
type Principal struct {
	UserID int64
	Role   model.Role
}

func NewVerifier(o Options) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(o.Mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		mode:       mode,
		hmacSecret: []byte(o.HMACSecret),
		jwksURL:    o.JWKSURL,
		userClaim:  orDefault(o.UserClaim, "sub"),
		roleClaim:  orDefault(o.RoleClaim, "role"),
		http:       &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
		cacheTTL:   10 * time.Minute,
	}
}

func orDefault(v, d string) string {
	if v != "" {
		return v
	}
	return d
}

func (v *Verifier) Mode() string { return v.mode }

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.mode == "dev" {
		// token format: userId:role
		id, role, ok := strings.Cut(token, ":")
		if !ok {
			return Principal{}, fmt.Errorf("%w: expected userId:role", ErrInvalidToken)
		}
		return principal(id, role)
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, fmt.Errorf("%w: malformed JWT", ErrInvalidToken)
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	var hdr map[string]any
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Principal{}, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	alg, _ := hdr["alg"].(string)
	kid, _ := hdr["kid"].(string)
	signingInput := []byte(segs[0] + "." + segs[1])
	switch v.mode {
	case "hmac":
		if alg != "HS256" {
			return Principal{}, fmt.Errorf("%w: unsupported alg %q for hmac", ErrInvalidToken, alg)
		}
		mac := hmac.New(sha256.New, v.hmacSecret)
		mac.Write(signingInput)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
		}
	case "jwks":
		if alg != "RS256" {
			return Principal{}, fmt.Errorf("%w: unsupported alg %q for jwks", ErrInvalidToken, alg)
		}
		pub, err := v.getRSAPublicKey(kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(signingInput)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
			return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
		}
	default:
		return Principal{}, fmt.Errorf("unsupported auth mode %q", v.mode)
	}
	if exp, ok := claims["exp"].(float64); ok && v.now().Unix() >= int64(exp) {
		return Principal{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	var sub string
	switch c := claims[v.userClaim].(type) {
	case string:
		sub = c
	case float64:
		sub = strconv.FormatInt(int64(c), 10)
	}
	role, _ := claims[v.roleClaim].(string)
	return principal(sub, role)
}

func principal(id, role string) (Principal, error) {
	uid, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || uid <= 0 {
		return Principal{}, fmt.Errorf("%w: user id %q", ErrInvalidToken, id)
	}
	r, err := model.ParseRole(role)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Principal{UserID: uid, Role: r}, nil
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// getRSAPublicKey looks kid up in the cached JWKS, refetching when stale.
func (v *Verifier) getRSAPublicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.jwks
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.jwks
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
			if err != nil {
				return nil, err
			}
			eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
			if err != nil {
				return nil, err
			}
			e := new(big.Int).SetBytes(eBytes)
			n := new(big.Int).SetBytes(nBytes)
			return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q not found in JWKS", ErrInvalidToken, kid)
}

func (v *Verifier) fetchJWKS() error {
	if v.jwksURL == "" {
		return errors.New("AUTH_JWKS_URL not set")
	}
	req, _ := http.NewRequest(http.MethodGet, v.jwksURL, nil)
	resp, err := v.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: status %d", resp.StatusCode)
	}
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = j
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}

// TokenFromRequest returns the bearer token, falling back to the
// access_token query parameter that browsers use for WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("access_token")
}
