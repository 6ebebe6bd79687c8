package errors

import (
	"fmt"
)

type (
	HandlersFoundNilArgument struct {
		Msg string
	}
)

func (e *HandlersFoundNilArgument) Error() string {
	return fmt.Sprintf("nil argument was found: %s", e.Msg)
}
