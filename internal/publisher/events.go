// Package publisher defines the governance event payloads pushed to the
// notification transport.
package publisher

import "time"

// CircuitTransitionEvent is emitted when a circuit changes state.
type CircuitTransitionEvent struct {
	Kind         string    `json:"kind"`
	OperationKey string    `json:"operation_key"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	At           time.Time `json:"at"`
}

// NewCircuitTransitionEvent builds a transition event with the kind field set.
func NewCircuitTransitionEvent(operationKey, from, to string, at time.Time) CircuitTransitionEvent {
	return CircuitTransitionEvent{
		Kind:         "circuit_transition",
		OperationKey: operationKey,
		From:         from,
		To:           to,
		At:           at,
	}
}

// ComplianceDenialEvent is emitted when the gate blocks a request.
type ComplianceDenialEvent struct {
	Kind         string    `json:"kind"`
	URL          string    `json:"url"`
	OperationKey string    `json:"operation_key"`
	Reasons      []string  `json:"reasons"`
	At           time.Time `json:"at"`
}

// NewComplianceDenialEvent builds a denial event with the kind field set.
func NewComplianceDenialEvent(url, operationKey string, reasons []string, at time.Time) ComplianceDenialEvent {
	return ComplianceDenialEvent{
		Kind:         "compliance_denial",
		URL:          url,
		OperationKey: operationKey,
		Reasons:      reasons,
		At:           at,
	}
}
