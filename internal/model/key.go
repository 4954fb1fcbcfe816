package model

import (
	"errors"
	"time"
)

// Scope type tags. Serialized as the "type" field of a KeyScope, matching the
// wire contract of the daemon API.
const (
	ScopeTypeAdmin     = "admin"
	ScopeTypeNamespace = "namespace"
)

// ErrInvalidScope is returned by KeyScope.Validate for malformed scopes.
var ErrInvalidScope = errors.New("invalid key scope")

// KeyScope is the authorization domain of an API key: either unrestricted
// admin access, or access limited to a single namespace.
type KeyScope struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace,omitempty"`
}

// AdminScope returns the unrestricted scope.
func AdminScope() KeyScope {
	return KeyScope{Type: ScopeTypeAdmin}
}

// NamespaceScope returns a scope restricted to the given namespace.
func NamespaceScope(namespace string) KeyScope {
	return KeyScope{Type: ScopeTypeNamespace, Namespace: namespace}
}

// Validate checks structural invariants: a known type tag, a non-empty
// namespace for namespace scopes, and no namespace on admin scopes.
func (s KeyScope) Validate() error {
	switch s.Type {
	case ScopeTypeAdmin:
		return nil
	case ScopeTypeNamespace:
		if s.Namespace == "" {
			return errors.New("namespace scope requires a non-empty namespace")
		}
		return nil
	default:
		return ErrInvalidScope
	}
}

// IsAdmin reports whether the scope is the unrestricted admin scope.
func (s KeyScope) IsAdmin() bool {
	return s.Type == ScopeTypeAdmin
}

// Satisfies reports whether a caller holding this scope is authorized for an
// operation that requires the given scope. Admin satisfies any requirement; a
// namespace scope satisfies only requirements for the same namespace.
func (s KeyScope) Satisfies(required KeyScope) bool {
	if s.IsAdmin() {
		return true
	}
	return required.Type == ScopeTypeNamespace && s.Namespace == required.Namespace
}

// Owner is the audit identity bound to a key: the namespace for namespace
// scopes, "admin" otherwise. It appears in rotation webhook payloads.
func (s KeyScope) Owner() string {
	if s.Type == ScopeTypeNamespace {
		return s.Namespace
	}
	return ScopeTypeAdmin
}

// KeyRecord is one issued API key as persisted in the store. The raw token is
// never stored; only its lookup hash and a short display prefix are kept.
type KeyRecord struct {
	ID             string     `json:"id" db:"id"`
	LookupHash     string     `json:"-" db:"lookup_hash"` // SHA-256 hex, never expose
	KeyPrefix      string     `json:"key_prefix" db:"key_prefix"`
	ScopeType      string     `json:"-" db:"scope_type"`
	ScopeNamespace string     `json:"-" db:"scope_namespace"`
	RateLimit      int        `json:"rate_limit" db:"rate_limit"` // requests per minute
	Revoked        bool       `json:"revoked" db:"revoked"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at" db:"last_used_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RotatedFrom    *string    `json:"rotated_from,omitempty" db:"rotated_from"`
	RotatedAt      *time.Time `json:"rotated_at,omitempty" db:"rotated_at"`
}

// Scope reconstructs the KeyScope from the flattened store columns.
func (r *KeyRecord) Scope() KeyScope {
	return KeyScope{Type: r.ScopeType, Namespace: r.ScopeNamespace}
}

// Info returns the API projection of the record. It carries neither the raw
// token nor the lookup hash.
func (r *KeyRecord) Info() KeyInfo {
	info := KeyInfo{
		ID:         r.ID,
		Scope:      r.Scope(),
		RateLimit:  r.RateLimit,
		KeyPrefix:  r.KeyPrefix,
		Revoked:    r.Revoked,
		CreatedAt:  r.CreatedAt,
		LastUsedAt: r.LastUsedAt,
		ExpiresAt:  r.ExpiresAt,
		RotatedAt:  r.RotatedAt,
	}
	if r.RotatedFrom != nil {
		info.RotatedFrom = *r.RotatedFrom
	}
	return info
}

// KeyInfo is the externally visible description of a key.
type KeyInfo struct {
	ID          string     `json:"id"`
	Scope       KeyScope   `json:"scope"`
	RateLimit   int        `json:"rate_limit"`
	KeyPrefix   string     `json:"key_prefix"`
	Revoked     bool       `json:"revoked"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RotatedFrom string     `json:"rotated_from,omitempty"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// IssuedKey pairs a freshly generated raw token with its key description.
// The token appears here exactly once and cannot be retrieved again.
type IssuedKey struct {
	Token string  `json:"token"`
	Info  KeyInfo `json:"info"`
}

// RotatedKey is the result of rotating a key: the successor's one-time token
// and info, the now-revoked predecessor, and the signed webhook envelope.
type RotatedKey struct {
	Token    string        `json:"token"`
	Info     KeyInfo       `json:"info"`
	Previous KeyInfo       `json:"previous"`
	Webhook  SignedWebhook `json:"webhook"`
}

// RotationWebhookPayload is the body of a rotation notification. Field order
// is the canonical serialization order used for signing; do not reorder.
type RotationWebhookPayload struct {
	Event         string    `json:"event"`
	KeyID         string    `json:"key_id"`
	PreviousKeyID string    `json:"previous_key_id"`
	RotatedAt     time.Time `json:"rotated_at"`
	Scope         KeyScope  `json:"scope"`
	Owner         string    `json:"owner"`
	KeyPrefix     string    `json:"key_prefix"`
}

// EventRotated is the event tag carried by rotation webhook payloads.
const EventRotated = "api_key.rotated"

// SignedWebhook wraps a rotation payload with its HMAC signature and a fresh
// event id for receiver-side deduplication.
type SignedWebhook struct {
	EventID   string                 `json:"event_id"`
	Signature string                 `json:"signature"`
	Payload   RotationWebhookPayload `json:"payload"`
}
