package health

import (
	"context"
	"fmt"
)

// Pinger is anything that can verify its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger to a CheckFunc. The component name is added to
// the error message.
func PingCheck(component string, p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", component, err)
		}
		return nil
	}
}

// RegisterPingers registers a PingCheck for every non-nil pinger.
func (c *Checker) RegisterPingers(pingers map[string]Pinger) {
	for name, p := range pingers {
		if p == nil {
			continue
		}
		c.RegisterCheck(name, PingCheck(name, p))
	}
}
