// Package errors collects fatal errors raised by background services
// (LMTP listener, admin API, runners) so that main can shut down once.
package errors

import (
	"fmt"
	"os"
	"time"

	"github.com/migadu/tidings/logger"
)

// ServiceError names the component that failed.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

type ErrorHandler struct {
	exit chan *ServiceError
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exit: make(chan *ServiceError, 1)}
}

// FatalError records the first fatal error; later ones are only logged.
func (eh *ErrorHandler) FatalError(service string, err error) {
	se := &ServiceError{Service: service, Err: err}
	logger.Error("Fatal service error", "service", service, "error", err)
	select {
	case eh.exit <- se:
	default:
	}
}

// ConfigError reports a configuration problem and requests exit.
func (eh *ErrorHandler) ConfigError(path string, err error) {
	if os.IsNotExist(err) {
		err = fmt.Errorf("configuration file '%s' not found: %w", path, err)
	} else {
		err = fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}
	eh.FatalError("config", err)
}

// Errors exposes the channel main selects on alongside signals.
func (eh *ErrorHandler) Errors() <-chan *ServiceError {
	return eh.exit
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (*ServiceError, bool) {
	select {
	case se := <-eh.exit:
		return se, true
	case <-time.After(timeout):
		return nil, false
	}
}
