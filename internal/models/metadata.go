package models

import (
	"fmt"
	"sort"
)

// Metadata is the typed key/value map attached to a record. Recognized keys
// depend on the record's source kind.
type Metadata map[string]string

// MetadataSchemaVersion identifies the set of keys below. Bump it whenever a
// key is added or removed.
const MetadataSchemaVersion = "v1"

// MetadataKeys lists the recognized keys for each source kind.
var MetadataKeys = map[SourceKind][]string{
	SourceDocument:            {"title", "filename", "mime_type", "language", "uploaded_by"},
	SourcePolicy:              {"title", "policy_type", "effective_date", "language"},
	SourceConversationHistory: {"conversation_id", "channel", "contact_id", "direction", "language", "started_at"},
}

// IsMetadataKey reports whether key is recognized for kind.
func IsMetadataKey(kind SourceKind, key string) bool {
	for _, k := range MetadataKeys[kind] {
		if k == key {
			return true
		}
	}
	return false
}

// ValidateMetadata rejects keys outside the registry for kind. Keys are
// checked in sorted order so the reported key is deterministic.
func ValidateMetadata(kind SourceKind, md Metadata) error {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !IsMetadataKey(kind, k) {
			return fmt.Errorf("%w: %q for %s (schema %s)", ErrUnknownMetadataKey, k, kind, MetadataSchemaVersion)
		}
	}
	return nil
}

// IsAnyMetadataKey reports whether key is recognized for at least one of kinds,
// or for any kind when kinds is empty. Used to validate retrieval predicates.
func IsAnyMetadataKey(kinds []SourceKind, key string) bool {
	if len(kinds) == 0 {
		for kind := range MetadataKeys {
			if IsMetadataKey(kind, key) {
				return true
			}
		}
		return false
	}
	for _, kind := range kinds {
		if IsMetadataKey(kind, key) {
			return true
		}
	}
	return false
}
