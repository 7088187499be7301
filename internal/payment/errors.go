package payment

import "fmt"

// NoAvailableGatewayError means every gateway supporting the method is
// either unregistered or circuit-open. The saga compensates and the
// condition is surfaced as an operator-visible alert.
type NoAvailableGatewayError struct {
	Method string
}

func (e *NoAvailableGatewayError) Error() string {
	return fmt.Sprintf("no available gateway for method %q", e.Method)
}

func (e *NoAvailableGatewayError) Code() string { return "no_available_gateway" }

// DeclinedError carries a business decline out of the orchestrator when a
// caller asks for the error form of an already-declined result. Declines
// are never retried.
type DeclinedError struct {
	Gateway string
	Reason  string
}

func (e *DeclinedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("payment declined by %s", e.Gateway)
	}
	return fmt.Sprintf("payment declined by %s: %s", e.Gateway, e.Reason)
}

func (e *DeclinedError) Code() string { return "payment_declined" }
