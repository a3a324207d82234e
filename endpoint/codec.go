package endpoint

import (
	"context"
	"fmt"
	"strconv"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/transport"
)

// AddressingOutInterceptor copies addressing and message metadata into the
// protocol headers the transports put on the wire
type AddressingOutInterceptor struct {
	interceptors.Base
}

// NewAddressingOutInterceptor creates the pre-protocol header encoder
func NewAddressingOutInterceptor() *AddressingOutInterceptor {
	return &AddressingOutInterceptor{
		Base: interceptors.NewBase("AddressingOutInterceptor", interceptors.PhasePreProtocol),
	}
}

// Handle implements interceptors.Interceptor
func (i *AddressingOutInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	if ap, ok := transport.AddressingFrom(msg); ok {
		headers := make(map[string]string)
		transport.EncodeAddressing(ap, headers)
		for k, v := range headers {
			msg.SetHeader(k, v)
		}
	}
	setHeader(msg, transport.HeaderCorrelationID, msg.CorrelationID())
	setHeader(msg, transport.HeaderOperation, msg.GetString(contracts.KeyOperation))
	setHeader(msg, transport.HeaderContentType, msg.GetString(contracts.KeyContentType))
	if code, ok := msg.Get(contracts.KeyResponseCode); ok {
		msg.SetHeader(transport.HeaderResponseCode, fmt.Sprint(code))
	}
	return interceptors.Continue()
}

// PayloadWriterInterceptor writes the message payload to the prepared
// content handle
type PayloadWriterInterceptor struct {
	interceptors.Base
}

// NewPayloadWriterInterceptor creates the marshal-phase payload writer
func NewPayloadWriterInterceptor() *PayloadWriterInterceptor {
	return &PayloadWriterInterceptor{
		Base: interceptors.NewBase("PayloadWriterInterceptor", interceptors.PhaseMarshal),
	}
}

// Handle implements interceptors.Interceptor
func (i *PayloadWriterInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	v, ok := msg.Get(contracts.KeyPayload)
	if !ok || v == nil {
		return interceptors.Continue()
	}

	var body []byte
	switch p := v.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		return interceptors.Fault(fmt.Errorf("%w: got %T", ErrInvalidPayload, v))
	}

	w := msg.Output()
	if w == nil {
		return interceptors.Fault(transport.ErrNotPrepared)
	}
	if _, err := w.Write(body); err != nil {
		return interceptors.Fault(fmt.Errorf("write payload: %w", err))
	}
	return interceptors.Continue()
}

// FaultWriterInterceptor encodes the fault of a fault message as a fault
// code header plus the fault text as body
type FaultWriterInterceptor struct {
	interceptors.Base
}

// NewFaultWriterInterceptor creates the marshal-phase fault writer
func NewFaultWriterInterceptor() *FaultWriterInterceptor {
	return &FaultWriterInterceptor{
		Base: interceptors.NewBase("FaultWriterInterceptor", interceptors.PhaseMarshal),
	}
}

// Handle implements interceptors.Interceptor
func (i *FaultWriterInterceptor) Handle(ctx context.Context, msg *contracts.Message) interceptors.Result {
	f := contracts.AsFault(msg.Fault())
	if f == nil {
		f = contracts.NewFault(contracts.FaultCodeServer, "unknown fault")
	}

	text := f.Message
	if text == "" && f.Err != nil {
		text = f.Err.Error()
	}
	msg.SetHeader(transport.HeaderFaultCode, f.Code)

	w := msg.Output()
	if w == nil {
		return interceptors.Fault(transport.ErrNotPrepared)
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return interceptors.Fault(fmt.Errorf("write fault: %w", err))
	}
	return interceptors.Continue()
}

// DecodeFault returns the fault carried by an inbound reply, or nil when
// the reply is not a fault
func DecodeFault(msg *contracts.Message, body []byte) *contracts.Fault {
	code := msg.Header(transport.HeaderFaultCode)
	if code == "" {
		return nil
	}
	return &contracts.Fault{Code: code, Message: string(body)}
}

// ResponseCode returns the numeric response code header of msg, or 0
func ResponseCode(msg *contracts.Message) int {
	code, err := strconv.Atoi(msg.Header(transport.HeaderResponseCode))
	if err != nil {
		return 0
	}
	return code
}

func setHeader(msg *contracts.Message, key, value string) {
	if value != "" {
		msg.SetHeader(key, value)
	}
}
