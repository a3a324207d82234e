package transport

import (
	"bytes"
	"io"

	"github.com/glimte/mmate-rpc/contracts"
)

// NewInboundMessage creates the message a transport delivers for a received
// body and its protocol headers. The headers are copied; addressing,
// correlation id, operation and content type are lifted into properties.
func NewInboundMessage(body []byte, headers map[string]string) *contracts.Message {
	return NewInboundStream(io.NopCloser(bytes.NewReader(body)), headers)
}

// NewInboundStream is NewInboundMessage for a streamed body
func NewInboundStream(r io.Reader, headers map[string]string) *contracts.Message {
	msg := contracts.NewInboundMessage(r)
	for k, v := range headers {
		msg.SetHeader(k, v)
	}
	h := msg.CopyHeaders()

	ap := DecodeAddressing(h)
	if ap != nil {
		SetAddressing(msg, ap)
	}

	switch {
	case h[HeaderCorrelationID] != "":
		msg.SetCorrelationID(h[HeaderCorrelationID])
	case ap != nil && ap.RelatesTo != "":
		msg.SetCorrelationID(ap.RelatesTo)
	case ap != nil && ap.MessageID != "":
		msg.SetCorrelationID(ap.MessageID)
	}

	switch {
	case h[HeaderOperation] != "":
		msg.Put(contracts.KeyOperation, h[HeaderOperation])
	case ap != nil && ap.Action != "":
		msg.Put(contracts.KeyOperation, ap.Action)
	}
	if ct := h[HeaderContentType]; ct != "" {
		msg.Put(contracts.KeyContentType, ct)
	}
	if h[HeaderPartial] == "true" {
		msg.Put(contracts.KeyPartialResponse, true)
	}
	return msg
}

// IsPartialResponse reports whether msg is the acknowledgement of a reply
// that travels over a decoupled channel
func IsPartialResponse(msg *contracts.Message) bool {
	return msg.GetBool(contracts.KeyPartialResponse)
}
