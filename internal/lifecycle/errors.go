package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrDependencyCycle  = errors.New("dependency cycle")
	ErrUnknownService   = errors.New("unknown service")
	ErrDuplicateService = errors.New("service already registered")
)

// DependencyMissingError reports a dependency that was not running when a service started.
// State is empty when the dependency was never registered.
type DependencyMissingError struct {
	Service    string
	Dependency string
	State      State
}

func (e *DependencyMissingError) Error() string {
	state := e.State
	if state == "" {
		state = "unregistered"
	}
	return fmt.Sprintf("service %q: dependency %q is %s", e.Service, e.Dependency, state)
}

// ServiceStartError wraps a failed start.
type ServiceStartError struct {
	Service  string
	Required bool
	Err      error
}

func (e *ServiceStartError) Error() string {
	kind := "optional"
	if e.Required {
		kind = "required"
	}
	return fmt.Sprintf("start %s service %q: %v", kind, e.Service, e.Err)
}

func (e *ServiceStartError) Unwrap() error {
	return e.Err
}
