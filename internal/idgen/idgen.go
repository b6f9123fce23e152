// Package idgen provides pluggable identifier generation for samples and
// analyses. The generator is a startup-time decision rather than a
// compile-time one, so tests can substitute deterministic generators.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique, lower-case hyphenated UUID strings.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique — used for both sample_uuid and
// analysis_uuid so that newest-first queries benefit from index locality.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Default is the package default generator: UUIDv7.
var Default Generator = UUIDv7()
