package modstore

import "github.com/kestrelhq/kestrel/internal/domain"

// Shared-cache key schema. These are the only prefixes any component may
// write under "module:".
const (
	moduleKeyPrefix = "module:"
	indexKeyPrefix  = "module:index:"
)

// contentKey returns the cache key for a module's content at a scope:
// module:{org_id}:{path} or module:global:{path}.
func contentKey(org domain.OrgScope, path string) string {
	return moduleKeyPrefix + org.String() + ":" + path
}

// indexKey returns the enumeration set key for a scope:
// module:index:{org_id} or module:index:global.
func indexKey(org domain.OrgScope) string {
	return indexKeyPrefix + org.String()
}
