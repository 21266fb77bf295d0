package upload

import (
	"fmt"
	"net/http"
)

// Error is a request failure the HTTP layer maps directly onto a status code
// and JSON body. Anything else coming out of the coordinator is a server
// fault and renders as a generic 500.
type Error struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
	Missing   []int  `json:"missingChunks,omitempty"`
	Received  int    `json:"received,omitempty"`
	Total     int    `json:"totalChunks,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Message: message}
}

func storageFull(message string) *Error {
	return &Error{Status: http.StatusInsufficientStorage, Message: message, Retryable: true}
}
