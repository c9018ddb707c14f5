// Package docid validates board document identifiers and maps them onto
// names that are safe to use as file and directory names.
package docid

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLength bounds identifiers so derived file names stay under common
// filesystem limits.
const MaxLength = 255

var (
	ErrEmpty   = errors.New("document id is empty")
	ErrTooLong = errors.New("document id is too long")
	ErrInvalid = errors.New("document id contains invalid characters")
)

// Validate reports whether id only uses letters, digits, ':', '_' and '-'.
func Validate(id string) error {
	if id == "" {
		return ErrEmpty
	}
	if len(id) > MaxLength {
		return fmt.Errorf("%w: %d bytes", ErrTooLong, len(id))
	}
	for i := 0; i < len(id); i++ {
		if !allowed(id[i]) {
			return fmt.Errorf("%w: %q at offset %d", ErrInvalid, id[i], i)
		}
	}
	return nil
}

func allowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == ':' || c == '_' || c == '-':
		return true
	default:
		return false
	}
}

// FileName returns the filesystem-safe form of a valid id. Namespace
// separators become '=', which never appears in a valid id, so the mapping
// is reversible.
func FileName(id string) string {
	return strings.ReplaceAll(id, ":", "=")
}

// FromFileName reverses FileName.
func FromFileName(name string) string {
	return strings.ReplaceAll(name, "=", ":")
}
