package auth

import (
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Authorize checks that principal holds every role in required.
// An empty requirement admits any authenticated principal.
func Authorize(principal *domain.Principal, required []string) error {
	if len(required) == 0 {
		return nil
	}
	if principal == nil {
		return domain.ForbiddenError("authentication required")
	}
	if missing := principal.MissingRoles(required); len(missing) > 0 {
		return domain.ForbiddenError("requires role " + strings.Join(missing, ", "))
	}
	return nil
}
