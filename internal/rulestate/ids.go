package rulestate

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const PlaceholderSuffix = "-localonly"

var (
	organizationIDPattern = regexp.MustCompile(`^(?:[a-z0-9]{24}|[a-z0-9]{32})$`)
	entityIDPattern       = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(?:-localonly)?$`)
)

func ValidateOrganizationID(id string) error {
	if !organizationIDPattern.MatchString(id) {
		return invalid("organization id", id, "expected 24 or 32 lowercase alphanumeric characters")
	}
	return nil
}

func ValidateEntityID(id string) error {
	if !entityIDPattern.MatchString(id) {
		return invalid("entity id", id, "expected a lowercase UUID")
	}
	return nil
}

// NewPlaceholderID returns an identifier for an entity that exists only
// locally. The push executor swaps it for the remote-assigned ID on create.
func NewPlaceholderID() string {
	return uuid.NewString() + PlaceholderSuffix
}

func IsPlaceholder(id string) bool {
	return strings.HasSuffix(id, PlaceholderSuffix)
}

func StripPlaceholders(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if IsPlaceholder(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
