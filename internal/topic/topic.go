// Package topic derives destination topics and stable identities for
// sensor readings. Everything here is a pure function of its inputs:
// dashboards and discovery consumers key off these strings, so the same
// machine, kind and raw id must always produce the same output.
package topic

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/nugget/ohmpub/internal/sensor"
)

// Namespace is the fixed second segment of every data topic.
const Namespace = "ohmp"

// edgeCutset is trimmed from both ends of a normalized id.
const edgeCutset = `/-\`

// NormalizeID lowercases rawID, removes every occurrence of the kind
// name, collapses duplicate slashes and trims separators from both ends.
// NormalizeID is idempotent.
func NormalizeID(kind sensor.Kind, rawID string) string {
	id := strings.ToLower(rawID)
	if k := kind.Lower(); k != "" {
		// Removal can splice a new occurrence together ("loloadad").
		for strings.Contains(id, k) {
			id = strings.ReplaceAll(id, k, "")
		}
	}
	return strings.Trim(collapseSlashes(id), edgeCutset)
}

// Topic returns {machine}/ohmp/{normalized id}/{kind}, all lowercase.
func Topic(machine string, kind sensor.Kind, rawID string) string {
	t := strings.ToLower(machine) + "/" + Namespace + "/" + NormalizeID(kind, rawID) + "/" + kind.Lower()
	return collapseSlashes(t)
}

// Availability returns the topic carrying a machine's online/offline
// status: {machine}/ohmp/availability.
func Availability(machine string) string {
	return strings.ToLower(machine) + "/" + Namespace + "/availability"
}

// NodeID returns the discovery node id for a machine: lowercase with
// anything outside [a-z0-9_-] replaced by an underscore.
func NodeID(machine string) string {
	return sanitize(strings.ToLower(machine))
}

// ObjectID returns the per-sensor discovery object id, unique within a
// node. Slashes in the normalized id become underscores. When the id
// holds any other character outside [a-z0-9-], that mapping would lose
// information, so a hash of the normalized id is appended after a double
// underscore, which the plain form never contains.
func ObjectID(kind sensor.Kind, rawID string) string {
	norm := NormalizeID(kind, rawID)
	obj := sanitize(norm)
	if !plainID(norm) {
		obj += "__" + idHash(norm)
	}
	if obj == "" {
		return kind.Lower()
	}
	return obj + "_" + kind.Lower()
}

// UniqueID returns the globally unique id announced to discovery
// consumers. It is also the key of the discovery registry.
func UniqueID(machine string, kind sensor.Kind, rawID string) string {
	return NodeID(machine) + "_" + ObjectID(kind, rawID)
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}

// plainID reports whether sanitize maps id without loss: only
// [a-z0-9-] and single slashes.
func plainID(id string) bool {
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '/') {
			return false
		}
	}
	return !strings.Contains(id, "//")
}

func idHash(id string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(id))[:12]
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
