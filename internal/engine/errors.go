package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by the CLI and the HTTP API. Callers classify with
// errors.Is; repo.ErrNotFound covers missing entities.
var (
	ErrValidation      = errors.New("validation error")
	ErrDuplicatePlate  = errors.New("plate already registered for this trial")
	ErrState           = errors.New("invalid trial state")
	ErrInvalidDuration = errors.New("duration must be positive")

	// ErrHasResults is returned by StartTrial when prior results exist and
	// the caller did not confirm wiping them.
	ErrHasResults = errors.New("trial already has recorded results")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// duplicatePlate maps the UNIQUE constraint backstop onto the typed error.
// The pre-insert check catches the common case; this covers races and
// out-of-band rows.
func duplicatePlate(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed: registrations") {
		return ErrDuplicatePlate
	}
	return err
}
