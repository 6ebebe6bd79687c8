package errors

import (
	"fmt"
)

type (
	ServiceFoundNilArgument struct {
		Msg string
	}
	InvalidTipError struct {
		Msg string
	}
)

func (e *ServiceFoundNilArgument) Error() string {
	return fmt.Sprintf("nil argument was found: %s", e.Msg)
}

func (e *InvalidTipError) Error() string {
	return fmt.Sprintf("invalid tip: %s", e.Msg)
}
