package contracts

import (
	"errors"
	"fmt"
)

// Fault codes
const (
	FaultCodeServer = "Server"
	FaultCodeClient = "Client"
)

// Fault is a processing fault carried back to the requestor
type Fault struct {
	Code    string
	Message string
	Err     error
}

// NewFault creates a fault without an underlying cause
func NewFault(code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

func (f *Fault) Error() string {
	if f.Message == "" && f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// AsFault returns err as a *Fault, wrapping it as a server fault if needed
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: FaultCodeServer, Message: err.Error(), Err: err}
}
