package ws

import "errors"

var (
	ErrSendBufferFull = errors.New("client send buffer full")
	ErrClientClosed   = errors.New("client closed")
	ErrHubStopped     = errors.New("hub stopped")
)
