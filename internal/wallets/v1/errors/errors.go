package errors

import (
	"fmt"
)

type (
	ExpiredCredentialsError struct {
		Processor string
	}
	RateLimitError struct {
		Processor string
	}
	UnavailableError struct {
		Processor string
		Status    int
	}
	InsufficientFundsError struct {
		Processor string
	}
	RejectedError struct {
		Processor string
		Status    int
		Msg       string
	}
)

func (e *ExpiredCredentialsError) Error() string {
	return fmt.Sprintf("%s: credentials expired", e.Processor)
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited", e.Processor)
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: unavailable, status %d", e.Processor, e.Status)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: insufficient funds", e.Processor)
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Processor, e.Status, e.Msg)
}
