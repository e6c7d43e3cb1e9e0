// Package domain holds the core types shared across the engine: runs and
// their status machine, the error-kind taxonomy, and versioned module
// records. It has no dependencies on storage or transport.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// OrgScope identifies the tenant a record belongs to. The empty scope is
// the global (platform-provided) tier, rendered as "global" in keys.
type OrgScope string

// GlobalScope is the platform tier consulted when an org has no override.
const GlobalScope OrgScope = ""

// IsGlobal reports whether the scope is the platform tier.
func (o OrgScope) IsGlobal() bool { return o == GlobalScope }

// String renders the scope for use in cache keys and logs.
func (o OrgScope) String() string {
	if o.IsGlobal() {
		return "global"
	}
	return string(o)
}

// EntityType classifies what a stored record represents.
type EntityType string

const (
	EntityModule   EntityType = "module"
	EntityWorkflow EntityType = "workflow"
	EntityForm     EntityType = "form"
	EntityAppFile  EntityType = "app-file"
	EntityAgent    EntityType = "agent"
)

// Module is a versioned source record. Org-scoped records shadow global
// records at the same path; resolution cascades org first, then global.
type Module struct {
	Org         OrgScope   `json:"org"`
	Path        string     `json:"path"`
	Content     []byte     `json:"content"`
	ContentHash string     `json:"content_hash"`
	EntityType  EntityType `json:"entity_type"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Deleted     bool       `json:"deleted,omitempty"`
}

// Validate checks the invariants required before a module can be stored.
func (m *Module) Validate() error {
	if m.Path == "" {
		return fmt.Errorf("module: path is required")
	}
	if strings.Contains(m.Path, " ") {
		return fmt.Errorf("module %s: path must not contain spaces", m.Path)
	}
	if m.EntityType == "" {
		return fmt.Errorf("module %s: entity type is required", m.Path)
	}
	return nil
}

// HashContent returns the hex SHA-256 digest of content, the canonical
// content hash recorded on every module version.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
