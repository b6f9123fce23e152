// Package safeguard provides the identifier-validation and input-bounding
// guards shared by the ingress and façade paths.
package safeguard

import (
	"fmt"
	"io"
	"strings"
)

// ValidateIdentifier rejects identifiers unsuitable for use as file names
// or URL path segments. Used by the façade to validate the analysis UUID
// path parameter before it touches a file path. Rejecting
// ".." closes the one way an isIdentChar-only identifier could otherwise
// still climb out of a base directory.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("safeguard: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("safeguard: identifier too long (max 256)")
	}
	if strings.Contains(s, "..") {
		return fmt.Errorf("safeguard: identifier must not contain \"..\"")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("safeguard: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r, returning an error if the
// limit is exceeded. Used to bound in-memory reads of small uploaded forms
// (the sample body itself is streamed, not buffered).
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("safeguard: input exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
