package cluster

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOptions     = errors.New("invalid cluster options")
	ErrAlreadyInitialized = errors.New("cluster has already been initialized")
	ErrNotInitialized     = errors.New("cluster has not been initialized yet")
	ErrNotSharded         = errors.New("cluster is not sharded")
	ErrInvalidNodeFunc    = errors.New("node function must be a function that takes a db as an argument")
	ErrQuiescenceTimeout  = errors.New("timed out waiting for replication to quiesce")
	ErrQuiescenceDrop     = errors.New("failed to drop replication quiescence marker")
)

type ConfigErrorKind int

const (
	ConfigErrUnknownOption ConfigErrorKind = iota + 1
	ConfigErrInvalidValue
	ConfigErrIllegalCombination
)

func (k ConfigErrorKind) String() string {
	switch k {
	case ConfigErrUnknownOption:
		return "unknown option"
	case ConfigErrInvalidValue:
		return "invalid value"
	case ConfigErrIllegalCombination:
		return "illegal combination"
	}
	return "unknown"
}

// ConfigError is returned when cluster options fail validation.
type ConfigError struct {
	Kind   ConfigErrorKind
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Kind, e.Option, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidOptions
}

// LifecycleError is returned when an operation is invoked in a state that
// does not allow it.
type LifecycleError struct {
	Op    string
	State State
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %s (state: %s)", e.Op, e.Err, e.State)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
