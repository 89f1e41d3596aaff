package fleeting

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const maxIDLength = 255

// NewID returns a storage name for an uploaded file: a random UUID, a dash,
// then the base name the client supplied, stripped of anything that isn't
// safe in a path segment.
func NewID(originalName string) string {
	name := sanitizeName(originalName)
	id := uuid.NewString()
	if name == "" {
		return id
	}
	// leave room for the UUID and the dash
	if max := maxIDLength - len(id) - 1; len(name) > max {
		name = name[len(name)-max:]
	}
	return id + "-" + name
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// ValidateID returns an error wrapping ErrInvalidID if id can't safely be used
// as a flat storage name.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id: %w", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("id longer than %d bytes: %w", maxIDLength, ErrInvalidID)
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("id %q starts with a dot: %w", id, ErrInvalidID)
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("id %q contains a path separator or null byte: %w", id, ErrInvalidID)
	}
	return nil
}
