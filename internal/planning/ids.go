package planning

import (
	"fmt"
	"regexp"
	"strings"

	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
)

var hex32Re = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NormalizePageID canonicalizes a planning page id to the 32-char lowercase
// hex form. Both the dashed 36-char form and the bare 32-char form are
// accepted; anything else is invalid. Normalization is idempotent.
func NormalizePageID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	normalized = strings.ReplaceAll(normalized, "-", "")
	if !hex32Re.MatchString(normalized) {
		return "", fmt.Errorf("planning page id %q: %w", id, pkgerrors.ErrInvalidArgument)
	}
	return normalized, nil
}
