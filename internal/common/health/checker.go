package health

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Checker reports whether a component is healthy.
type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete is called.
// Used to fail the liveness endpoint while services are still starting.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup not complete")
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}
