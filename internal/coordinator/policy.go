// Package coordinator routes direct messages between registered agents and
// runs bounded parallel task batches. Every allowed message leaves a trail:
// bus events for observers and an immutable audit artifact on the blackboard.
package coordinator

import (
	"errors"
	"fmt"
)

// Route is one permitted sender/receiver pair.
type Route struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Policy decides which direct message routes are permitted. With
// DefaultAllow set every route passes; otherwise only AllowedRoutes do.
type Policy struct {
	DefaultAllow  bool
	AllowedRoutes []Route
}

// Allows reports whether from may message to.
func (p Policy) Allows(from, to string) bool {
	if p.DefaultAllow {
		return true
	}
	for _, route := range p.AllowedRoutes {
		if route.From == from && route.To == to {
			return true
		}
	}
	return false
}

// PolicyError reports a direct message rejected by routing policy. The
// rejection happens before any delivery or event emission.
type PolicyError struct {
	From string
	To   string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("direct message from %q to %q is not permitted by policy", e.From, e.To)
}

// IsPolicyRejection reports whether err is a policy rejection.
func IsPolicyRejection(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
