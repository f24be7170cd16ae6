package metadata

import (
	"fmt"
	"regexp"
	"strings"
)

const maxNameLength = 63

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	validName     = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// System fields exist on every record and cannot be declared as columns.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// NormalizeName lowercases and trims a table or column name and replaces
// inner whitespace with underscores. "__" is reserved as the operator
// separator in flat filters.
func NormalizeName(raw string) (string, error) {
	name := whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "_")
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	case len(name) > maxNameLength:
		return "", fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, name, maxNameLength)
	case !validName.MatchString(name):
		return "", fmt.Errorf("%w: %q may only contain letters, digits and underscores", ErrInvalidName, raw)
	case strings.Contains(name, "__"):
		return "", fmt.Errorf("%w: %q must not contain a double underscore", ErrInvalidName, name)
	}
	return name, nil
}

// IsSystemField reports whether name is one of the store-managed fields.
func IsSystemField(name string) bool {
	return name == FieldID || name == FieldCreatedAt || name == FieldUpdatedAt
}
