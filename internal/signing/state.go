package signing

import (
	"fmt"
	"time"

	"dealer-portal/esign-backend/pkg/workflows"
)

var lifecycle = workflows.NewStateMachine(map[string][]string{
	string(StatusPending): {string(StatusSigned)},
	string(StatusSigned):  {},
})

// CheckSignable is the transition guard. It runs before any document work:
// a signed request is rejected first, then an expired one.
func CheckSignable(req *SignatureRequest, now time.Time) error {
	if lifecycle.IsTerminal(string(req.Status)) {
		return ErrAlreadySigned
	}
	if err := lifecycle.Validate(string(req.Status), string(StatusSigned)); err != nil {
		return fmt.Errorf("request %s: %w", req.ID, err)
	}
	if !now.Before(req.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

func isSignable(req *SignatureRequest, now time.Time) bool {
	return CheckSignable(req, now) == nil
}
