// Package auth authenticates API requests and socket handshakes. Two
// credential forms are accepted: bearer JWTs signed with a shared HMAC key,
// and API keys checked against bcrypt hashes from configuration.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/update-hub/pkg/apperr"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string   `json:"subject"`
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"roles,omitempty"`

	// Method is the credential form used, "jwt" or "apikey".
	Method string `json:"method"`
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// APIKey is one configured API key. Hash is a bcrypt hash of the key value;
// plaintext keys never appear in configuration.
type APIKey struct {
	Name  string   `yaml:"name"`
	Hash  string   `yaml:"hash"`
	Roles []string `yaml:"roles"`
}

// Config holds the gate's verification material.
type Config struct {
	// JWTSecret is the HMAC signing key for bearer tokens. Empty disables
	// JWT verification.
	JWTSecret string `yaml:"jwt_secret"`

	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string `yaml:"jwt_issuer"`

	APIKeys []APIKey `yaml:"api_keys"`
}

// Gate verifies request credentials and produces principals.
type Gate struct {
	cfg Config
}

// NewGate creates a Gate.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Authenticate inspects the request's credentials. It returns nil, nil when
// no credential is presented, the principal when a credential verifies, and
// an auth error when a credential is present but invalid.
func (g *Gate) Authenticate(r *http.Request) (*Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, apperr.New(apperr.KindAuth, "malformed authorization header")
		}
		return g.verifyJWT(strings.TrimSpace(token))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return g.verifyAPIKey(key)
	}
	return nil, nil
}

func (g *Gate) verifyJWT(tokenString string) (*Principal, error) {
	if g.cfg.JWTSecret == "" {
		return nil, apperr.New(apperr.KindAuth, "bearer tokens are not accepted")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if g.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(g.cfg.JWTIssuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(g.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, "verifying bearer token", err)
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, apperr.New(apperr.KindAuth, "token has no subject")
	}

	p := &Principal{Subject: subject, Method: "jwt"}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if raw, ok := claims["roles"].([]any); ok {
		for _, v := range raw {
			if role, ok := v.(string); ok {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p, nil
}

func (g *Gate) verifyAPIKey(key string) (*Principal, error) {
	for i := range g.cfg.APIKeys {
		entry := &g.cfg.APIKeys[i]
		if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(key)) == nil {
			return &Principal{
				Subject: "apikey:" + entry.Name,
				Name:    entry.Name,
				Roles:   entry.Roles,
				Method:  "apikey",
			}, nil
		}
	}
	return nil, apperr.New(apperr.KindAuth, "unknown API key")
}
