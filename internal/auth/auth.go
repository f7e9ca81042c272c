// Package auth resolves request credentials into principals. Resolution
// order: public endpoints pass through, the internal header secret mints a
// wildcard principal, API keys are looked up by token hash, then an OAuth
// backend validates bearer tokens. With no backend configured the
// resolver denies by default.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fngate/fngate/internal/httperr"
)

// apiKeyPrefixes mark tokens that are API keys rather than OAuth bearer
// tokens.
var apiKeyPrefixes = []string{"sk_", "pk_", "fn_", "api_", "key_"}

// Principal is the authenticated caller attached to a request. It carries
// a hash and hint of the credential, never the raw value.
type Principal struct {
	Kind    string   `json:"kind"` // "api_key", "oauth", "internal", "public"
	UserID  string   `json:"userId,omitempty"`
	Email   string   `json:"email,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	OrgIDs  []string `json:"orgIds,omitempty"`
	KeyHash string   `json:"-"`
	KeyHint string   `json:"keyHint,omitempty"`
}

// HasScope reports whether the principal holds the scope. The wildcard
// scope grants everything.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// KeyRecord is a stored API key, looked up by SHA-256 of the raw token.
type KeyRecord struct {
	Hash      string
	UserID    string
	OrgIDs    []string
	Scopes    []string
	Active    bool
	ExpiresAt *time.Time
}

// KeyStore looks up API key records by token hash.
type KeyStore interface {
	GetByHash(ctx context.Context, hash string) (*KeyRecord, error)
}

// OAuthService validates opaque bearer tokens.
type OAuthService interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// Config configures the resolver.
type Config struct {
	// PublicPaths are doublestar globs that pass through unauthenticated.
	PublicPaths []string `yaml:"public_paths"`

	// CredentialHeader is checked before X-API-Key and Authorization.
	CredentialHeader string `yaml:"credential_header"`

	// InternalHeader and InternalSecret authenticate service-to-service
	// calls.
	InternalHeader string `yaml:"internal_header"`
	InternalSecret string `yaml:"internal_secret"`

	// ScopeRules require scopes per route pattern (doublestar glob).
	ScopeRules map[string][]string `yaml:"scope_rules"`
}

// Resolver authenticates requests.
type Resolver struct {
	cfg   Config
	keys  KeyStore
	oauth OAuthService
	now   func() time.Time
}

// NewResolver creates a resolver. keys and oauth may be nil; with both nil
// every non-public request is denied.
func NewResolver(cfg Config, keys KeyStore, oauth OAuthService) *Resolver {
	return &Resolver{cfg: cfg, keys: keys, oauth: oauth, now: time.Now}
}

// Authenticate resolves the request credential. A nil principal with nil
// error means the path is public.
func (r *Resolver) Authenticate(req *http.Request) (*Principal, error) {
	path := req.URL.Path
	for _, glob := range r.cfg.PublicPaths {
		if ok, _ := doublestar.Match(glob, path); ok {
			return nil, nil
		}
	}

	if r.cfg.InternalHeader != "" && r.cfg.InternalSecret != "" {
		got := req.Header.Get(r.cfg.InternalHeader)
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(r.cfg.InternalSecret)) == 1 {
			return &Principal{Kind: "internal", UserID: "internal", Scopes: []string{"*"}}, nil
		}
	}

	token := r.extractCredential(req)
	if token == "" {
		return nil, httperr.New(httperr.KindAuthentication, "missing credential")
	}

	// An API-key-shaped token, or any token when a key store is bound,
	// resolves through the key store. A failed lookup is a rejection, not
	// a fallthrough to OAuth.
	if hasAPIKeyPrefix(token) || r.keys != nil {
		return r.resolveAPIKey(req.Context(), token)
	}

	if r.oauth != nil {
		p, err := r.oauth.Validate(req.Context(), token)
		if err != nil {
			return nil, httperr.Wrap(httperr.KindAuthentication, err, "token validation failed")
		}
		p.Kind = "oauth"
		p.KeyHash = HashToken(token)
		p.KeyHint = Hint(token)
		return p, nil
	}

	// Deny by default: never silently allow when no backend is bound.
	return nil, httperr.New(httperr.KindAuthentication, "no credential backend configured")
}

// Authorize enforces the scope rule matching the path, if any.
func (r *Resolver) Authorize(path string, p *Principal) error {
	for glob, scopes := range r.cfg.ScopeRules {
		ok, _ := doublestar.Match(glob, path)
		if !ok {
			continue
		}
		for _, scope := range scopes {
			if !p.HasScope(scope) {
				return httperr.New(httperr.KindAuthorization, "missing scope %s", scope).
					WithContext("requiredScopes", scopes)
			}
		}
	}
	return nil
}

func (r *Resolver) extractCredential(req *http.Request) string {
	if r.cfg.CredentialHeader != "" {
		if v := strings.TrimSpace(req.Header.Get(r.cfg.CredentialHeader)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(req.Header.Get("X-API-Key")); v != "" {
		return v
	}
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func (r *Resolver) resolveAPIKey(ctx context.Context, token string) (*Principal, error) {
	if r.keys == nil {
		return nil, httperr.New(httperr.KindAuthentication, "no credential backend configured")
	}
	hash := HashToken(token)
	rec, err := r.keys.GetByHash(ctx, hash)
	if err != nil || rec == nil {
		return nil, httperr.New(httperr.KindAuthentication, "unknown API key")
	}
	if !rec.Active {
		return nil, httperr.New(httperr.KindAuthentication, "API key is inactive")
	}
	if rec.ExpiresAt != nil && r.now().After(*rec.ExpiresAt) {
		return nil, httperr.New(httperr.KindAuthentication, "API key has expired")
	}
	return &Principal{
		Kind:    "api_key",
		UserID:  rec.UserID,
		OrgIDs:  rec.OrgIDs,
		Scopes:  rec.Scopes,
		KeyHash: hash,
		KeyHint: Hint(token),
	}, nil
}

func hasAPIKeyPrefix(token string) bool {
	for _, p := range apiKeyPrefixes {
		if strings.HasPrefix(token, p) {
			return true
		}
	}
	return false
}

// HashToken returns the hex SHA-256 of a raw credential; keys are stored
// and looked up by this hash only.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Hint returns the loggable form of a credential: ****<last4>.
func Hint(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// MemoryKeyStore is a map-backed KeyStore for tests and single-node use.
type MemoryKeyStore struct {
	records map[string]*KeyRecord
}

// NewMemoryKeyStore indexes the given records by hash.
func NewMemoryKeyStore(records ...*KeyRecord) *MemoryKeyStore {
	s := &MemoryKeyStore{records: map[string]*KeyRecord{}}
	for _, rec := range records {
		s.records[rec.Hash] = rec
	}
	return s
}

func (s *MemoryKeyStore) GetByHash(ctx context.Context, hash string) (*KeyRecord, error) {
	rec, ok := s.records[hash]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
