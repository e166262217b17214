// Package sharing grants other users access to documents and memory keys.
package sharing

import (
	"strings"
	"time"
)

// Kind is the kind of shared content.
type Kind string

const (
	KindPage            Kind = "page"
	KindMemoryDocument  Kind = "memory_document"
	KindLibraryDocument Kind = "library_document"
	KindMemoryKey       Kind = "memory_key"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPage, KindMemoryDocument, KindLibraryDocument, KindMemoryKey:
		return true
	}
	return false
}

// IsDocument reports whether k is shared per document.
func (k Kind) IsDocument() bool {
	return k.Valid() && k != KindMemoryKey
}

// Access is the level a share grants.
type Access string

const (
	AccessRead      Access = "read"
	AccessReadWrite Access = "read_write"
)

func (a Access) Valid() bool {
	return a == AccessRead || a == AccessReadWrite
}

// Direction selects which side of a share List reports.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// ContentShare grants one user access to one document. GranteeID is empty
// while the grantee is an unregistered email.
type ContentShare struct {
	ContentID    string    `json:"content_id"`
	Kind         Kind      `json:"kind"`
	OwnerID      string    `json:"owner_id"`
	GranteeID    string    `json:"grantee_id,omitempty"`
	GranteeEmail string    `json:"grantee_email,omitempty"`
	Access       Access    `json:"access"`
	CreatedAt    time.Time `json:"created_at"`
}

// KeyShare grants one user access to the owner's memory keys matching
// KeyPattern within Scope.
type KeyShare struct {
	OwnerID      string    `json:"owner_id"`
	Scope        string    `json:"scope"`
	KeyPattern   string    `json:"key_pattern"`
	GranteeID    string    `json:"grantee_id,omitempty"`
	GranteeEmail string    `json:"grantee_email,omitempty"`
	Access       Access    `json:"access"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wildcard marks a prefix key pattern when it is the last character.
const Wildcard = "*"

// MatchKeyPattern reports whether key is covered by pattern: exact
// equality, or for "prefix*" any key starting with prefix.
func MatchKeyPattern(pattern, key string) bool {
	if pattern == key {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, Wildcard); ok {
		return strings.HasPrefix(key, prefix)
	}
	return false
}

// matchesGrantee reports whether a share row targets the caller, directly
// or through a still-unregistered email.
func matchesGrantee(granteeID, granteeEmail, userID, email string) bool {
	if granteeID != "" {
		return granteeID == userID
	}
	return email != "" && strings.EqualFold(granteeEmail, email)
}
