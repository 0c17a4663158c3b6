package application

import "errors"

var (
	ErrInsufficientPoints      = errors.New("insufficient points")
	ErrPaymentInitFailed       = errors.New("payment initialization failed")
	ErrSignatureMismatch       = errors.New("payment signature mismatch")
	ErrOrderNotFound           = errors.New("order not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// Kind returns the machine-readable kind for a settlement error, or "" for
// errors outside the taxonomy.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPoints):
		return "InsufficientPoints"
	case errors.Is(err, ErrPaymentInitFailed):
		return "PaymentInitializationFailed"
	case errors.Is(err, ErrSignatureMismatch):
		return "SignatureMismatch"
	case errors.Is(err, ErrOrderNotFound):
		return "OrderNotFound"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "InvalidStatusTransition"
	}
	return ""
}
