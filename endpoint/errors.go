package endpoint

import "errors"

var (
	ErrUnknownOperation = errors.New("endpoint: unknown operation")
	ErrNoService        = errors.New("endpoint: exchange has no service")
	ErrNoEndpoint       = errors.New("endpoint: exchange has no endpoint")
	ErrNoBus            = errors.New("endpoint: exchange has no bus")
	ErrNoChain          = errors.New("endpoint: message is not running in a chain")
	ErrInvalidPayload   = errors.New("endpoint: payload must be []byte or string")
)
