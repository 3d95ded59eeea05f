package server

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// notFoundError carries the locale hint attached to a missing-document
// response for user-facing messaging.
type notFoundError struct {
	Key    string
	Locale string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.Key)
}
