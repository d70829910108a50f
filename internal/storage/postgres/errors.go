package postgres

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/chorus/internal/domain"
)

// lookupErr maps gorm's not-found error onto domain.ErrNotFound so callers
// can test with errors.Is regardless of backend.
func lookupErr(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("getting %s %s: %w", what, id, err)
}
