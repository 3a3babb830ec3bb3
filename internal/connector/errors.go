package connector

import (
	"errors"
	"fmt"
)

// ErrConfig marks a configuration problem: the channel stays broken until an
// operator fixes it, retrying will not help.
var ErrConfig = errors.New("connector: configuration error")

// ErrTransient marks a temporary source failure (network hiccup, locked
// file). The poll is retried on the next tick.
var ErrTransient = errors.New("connector: transient source error")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool { return errors.Is(err, ErrConfig) }

// IsTransient reports whether err is a retryable source failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
