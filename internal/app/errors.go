package app

import (
	"fmt"
	"log"
)

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

func notFoundError(message string) *DomainError {
	return domainError(404, "NOT_FOUND", message, nil)
}

func forbiddenError(message string) *DomainError {
	return domainError(403, "FORBIDDEN", message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(409, "CONFLICT", message, nil)
}

func validationError(message string) *DomainError {
	return domainError(422, "VALIDATION_ERROR", message, nil)
}

// internalError logs the underlying cause and returns a generic error so
// infrastructure detail never leaks to the caller.
func internalError(op string, err error) *DomainError {
	log.Printf("%s: %v", op, err)
	return domainError(500, "INTERNAL", "internal error", nil)
}
