package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/transport"
)

// toPublishing builds the AMQP message for msg's protocol headers and body
func toPublishing(msg *contracts.Message, body []byte) amqp.Publishing {
	h := msg.CopyHeaders()
	table := make(amqp.Table, len(h))
	for k, v := range h {
		table[k] = v
	}

	correlationID := h[transport.HeaderCorrelationID]
	if correlationID == "" {
		correlationID = msg.CorrelationID()
	}
	messageID := h[transport.HeaderMessageID]
	if messageID == "" {
		messageID = msg.ID()
	}

	return amqp.Publishing{
		Headers:       table,
		ContentType:   h[transport.HeaderContentType],
		CorrelationId: correlationID,
		MessageId:     messageID,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     msg.Timestamp(),
		Body:          append([]byte(nil), body...),
	}
}

// fromDelivery converts a delivery into an inbound message
func fromDelivery(d amqp.Delivery) *contracts.Message {
	headers := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		switch v := v.(type) {
		case string:
			headers[k] = v
		case []byte:
			headers[k] = string(v)
		case nil:
		default:
			headers[k] = fmt.Sprint(v)
		}
	}
	if headers[transport.HeaderCorrelationID] == "" && d.CorrelationId != "" {
		headers[transport.HeaderCorrelationID] = d.CorrelationId
	}
	if headers[transport.HeaderContentType] == "" && d.ContentType != "" {
		headers[transport.HeaderContentType] = d.ContentType
	}
	return transport.NewInboundMessage(d.Body, headers)
}

// expectsReply reports whether a sent request asks for any reply
func expectsReply(msg *contracts.Message) bool {
	return msg.IsRequestor() && msg.Header(transport.HeaderReplyTo) != transport.NoneAddress
}
