package domain

import "fmt"

// PolicyDecision is the verdict returned by the external policy oracle.
type PolicyDecision string

const (
	PolicyAllowed PolicyDecision = "ALLOWED"
	PolicyReview  PolicyDecision = "REVIEW"
	PolicyBlocked PolicyDecision = "BLOCKED"
)

// Valid reports whether d is a known decision.
func (d PolicyDecision) Valid() bool {
	switch d {
	case PolicyAllowed, PolicyReview, PolicyBlocked:
		return true
	}
	return false
}

// EnforcePolicy gates an action on a policy decision. Blocked and review
// outcomes are normal results; only an explicit auto-apply against a blocked
// policy is an error.
func EnforcePolicy(decision PolicyDecision, autoApply bool) error {
	if decision == PolicyBlocked && autoApply {
		return fmt.Errorf("auto-apply: %w", ErrPolicyBlocked)
	}
	return nil
}
