package booking

import "errors"

var (
	ErrExpertNotFound  = errors.New("expert not found")
	ErrSessionNotFound = errors.New("session not found")

	// ErrSlotUnavailable is expected and retryable: the caller should
	// re-fetch availability rather than retry the same interval.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrInvalidSlot means the requested interval does not match the slot
	// policy (start before end, exactly the policy duration).
	ErrInvalidSlot = errors.New("invalid slot interval")
)
