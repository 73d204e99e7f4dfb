package payment

import "errors"

var (
	// ErrPaymentServiceUnavailable: circuit open or the gateway could not be
	// reached after retries. Safe to retry later.
	ErrPaymentServiceUnavailable = errors.New("payment service temporarily unavailable")
	// ErrPaymentVerificationUndetermined: verification could not get a
	// definitive answer. Order state must not change.
	ErrPaymentVerificationUndetermined = errors.New("payment verification undetermined")
	// ErrGatewayRejected: the gateway answered and refused the request.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
)
