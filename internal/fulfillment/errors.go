package fulfillment

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict: an optimistic transition lost a race. Retryable.
	ErrConflict = errors.New("conflict")
	// ErrBusy: the bot or order is already engaged. Not retryable on the same target.
	ErrBusy          = errors.New("resource busy")
	ErrConfiguration = errors.New("configuration error")
	ErrInvalidInput  = errors.New("invalid input")
	ErrStorage       = errors.New("storage error")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// isDuplicateKey matches unique-constraint violations, translated or not.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	// NOT NULL, CHECK and foreign key failures are not conflicts
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}
