package whatsapp

import (
	"errors"
	"fmt"
)

// ErrAddresseeUnresolved is returned when no valid destination could be found
// after all resolution attempts. Nothing is persisted in that case.
var ErrAddresseeUnresolved = errors.New("whatsapp: addressee unresolved")

// DeliveryError wraps a provider rejection with its detail so callers can
// surface it and decide whether to retry manually.
type DeliveryError struct {
	StatusCode int
	Detail     string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("whatsapp: delivery failed (status %d): %s", e.StatusCode, e.Detail)
	}
	return "whatsapp: delivery failed: " + e.Detail
}

// IsDeliveryFailed reports whether err is a provider delivery failure.
func IsDeliveryFailed(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
