package domain

import "errors"

var (
	ErrUnknownSKU        = errors.New("unknown sku")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidEvent      = errors.New("invalid event")

	ErrDuplicateEvent = errors.New("event already processed")
	ErrStaleEvent     = errors.New("stale event version")

	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderAlreadyCompleted = errors.New("order already completed")
	ErrOrderAlreadyCancelled = errors.New("order already cancelled")
	ErrInvalidOrder          = errors.New("invalid order")
)

// IsStructural reports whether err can never succeed on redelivery.
func IsStructural(err error) bool {
	return errors.Is(err, ErrUnknownSKU) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidEvent)
}

// IsSkipped reports whether err marks an event that was recognised and
// intentionally not applied.
func IsSkipped(err error) bool {
	return errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrStaleEvent)
}
