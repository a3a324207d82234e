package schema

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
)

// ValidationInterceptor checks inbound requests against the validator before
// the service is invoked. Replies arriving at a client are not checked.
type ValidationInterceptor struct {
	interceptors.Base
	validator *Validator
}

// NewValidationInterceptor creates the interceptor in the user-logical
// phase
func NewValidationInterceptor(v *Validator) *ValidationInterceptor {
	return &ValidationInterceptor{
		Base:      interceptors.NewBase("SchemaValidationInterceptor", interceptors.PhaseUserLogical),
		validator: v,
	}
}

// Handle implements interceptors.Interceptor
func (i *ValidationInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	if msg.IsRequestor() {
		return interceptors.Continue()
	}
	operation := msg.GetString(contracts.KeyOperation)
	if _, ok := i.validator.Schema(operation); !ok {
		return interceptors.Continue()
	}

	var body []byte
	if in := msg.Input(); in != nil {
		var err error
		if body, err = io.ReadAll(in); err != nil {
			return interceptors.Fault(&contracts.Fault{Code: contracts.FaultCodeClient, Message: "unreadable request", Err: err})
		}
		msg.SetInput(bytes.NewReader(body))
	}

	if err := i.validator.Validate(ctx, operation, body); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return interceptors.Fault(&contracts.Fault{Code: contracts.FaultCodeClient, Message: verr.Error(), Err: verr})
		}
		return interceptors.Fault(err)
	}
	return interceptors.Continue()
}
