package client

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned by Start when the server rejects the token
	// without handing out a new one.
	ErrUnauthorized = errors.New("deviceio: auth token rejected and no replacement issued")

	// ErrNotRegistered is returned by Start when the server does not know the proxy.
	ErrNotRegistered = errors.New("deviceio: proxy is not registered")

	ErrAlreadyStarted = errors.New("deviceio: client already started")
	ErrClientStopped  = errors.New("deviceio: client stopped")
)

// StatusError is returned by HTTPTransport for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Code, e.Body)
}
