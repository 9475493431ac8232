package billing

import "errors"

var (
	// ErrNotFound means no subscription (or invoice) exists for the caller.
	ErrNotFound = errors.New("subscription not found")

	// ErrBadSignature means the webhook payload failed signature
	// verification. No ledger state is touched.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrInvalidTransition means the requested state change is not
	// reachable from the subscription's current state.
	ErrInvalidTransition = errors.New("invalid subscription state transition")

	// ErrConflictingActiveSubscription means the customer already has a
	// live subscription.
	ErrConflictingActiveSubscription = errors.New("customer already has a live subscription")

	// ErrGatewayCall wraps transient gateway failures. Only the retry
	// scheduler re-drives these; nothing retries a gateway call inline.
	ErrGatewayCall = errors.New("gateway call failed")
)
