package transport

import (
	"net/url"
	"strings"

	"github.com/glimte/mmate-rpc/contracts"
)

const (
	// AnonymousAddress marks a reply that goes back over the request's own
	// connection
	AnonymousAddress = "http://www.w3.org/2005/08/addressing/anonymous"

	// NoneAddress marks a message that expects no reply
	NoneAddress = "http://www.w3.org/2005/08/addressing/none"
)

// EndpointReference is an address plus opaque reference parameters echoed
// back by whoever replies to it
type EndpointReference struct {
	Address             string
	ReferenceParameters map[string]string
	Metadata            map[string]string
}

// NewEndpointReference creates a reference to address
func NewEndpointReference(address string) *EndpointReference {
	return &EndpointReference{Address: address}
}

// Clone returns a deep copy
func (r *EndpointReference) Clone() *EndpointReference {
	if r == nil {
		return nil
	}
	out := &EndpointReference{Address: r.Address}
	if r.ReferenceParameters != nil {
		out.ReferenceParameters = make(map[string]string, len(r.ReferenceParameters))
		for k, v := range r.ReferenceParameters {
			out.ReferenceParameters[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// IsAnonymous reports whether the reference points back over the in-built
// channel. A nil reference is anonymous.
func (r *EndpointReference) IsAnonymous() bool {
	return r == nil || r.Address == "" || r.Address == AnonymousAddress
}

// IsNone reports whether the reference discards replies
func (r *EndpointReference) IsNone() bool {
	return r != nil && r.Address == NoneAddress
}

// String returns the address
func (r *EndpointReference) String() string {
	if r == nil {
		return ""
	}
	return r.Address
}

// Scheme returns the URI scheme of the address, or "" when it has none
func (r *EndpointReference) Scheme() string {
	if r == nil {
		return ""
	}
	return Scheme(r.Address)
}

// Scheme returns the URI scheme of address, or "" when it has none
func Scheme(address string) string {
	scheme, _, ok := strings.Cut(address, ":")
	if !ok || scheme == "" || strings.ContainsAny(scheme, "/?#") {
		return ""
	}
	return strings.ToLower(scheme)
}

// AddressingProperties are the addressing headers of one message
type AddressingProperties struct {
	To        *EndpointReference
	ReplyTo   *EndpointReference
	FaultTo   *EndpointReference
	MessageID string
	RelatesTo string
	Action    string
}

// AddressingFrom returns the addressing properties attached to msg
func AddressingFrom(props contracts.Properties) (*AddressingProperties, bool) {
	v, ok := props.Get(contracts.KeyAddressing)
	if !ok {
		return nil, false
	}
	ap, ok := v.(*AddressingProperties)
	return ap, ok && ap != nil
}

// SetAddressing attaches addressing properties to msg
func SetAddressing(msg *contracts.Message, ap *AddressingProperties) {
	msg.Put(contracts.KeyAddressing, ap)
}

// Protocol header names shared by the transports
const (
	HeaderMessageID     = "Mmate-Message-Id"
	HeaderCorrelationID = "Mmate-Correlation-Id"
	HeaderRelatesTo     = "Mmate-Relates-To"
	HeaderTo            = "Mmate-To"
	HeaderReplyTo       = "Mmate-Reply-To"
	HeaderFaultTo       = "Mmate-Fault-To"
	HeaderAction        = "Mmate-Action"
	HeaderOperation     = "Mmate-Operation"
	HeaderContentType   = "Mmate-Content-Type"
	HeaderResponseCode  = "Mmate-Response-Code"
	HeaderFaultCode     = "Mmate-Fault-Code"
	HeaderPartial       = "Mmate-Partial-Response"

	// HeaderRefParamPrefix prefixes reference parameters of the To reference.
	// Their values are query-escaped so they survive header trimming.
	HeaderRefParamPrefix = "Mmate-Ref-"
)

// EncodeAddressing writes ap into protocol headers
func EncodeAddressing(ap *AddressingProperties, headers map[string]string) {
	if ap == nil {
		return
	}
	setIf(headers, HeaderMessageID, ap.MessageID)
	setIf(headers, HeaderRelatesTo, ap.RelatesTo)
	setIf(headers, HeaderAction, ap.Action)
	if ap.To != nil {
		setIf(headers, HeaderTo, ap.To.Address)
		for k, v := range ap.To.ReferenceParameters {
			headers[HeaderRefParamPrefix+k] = url.QueryEscape(v)
		}
	}
	if ap.ReplyTo != nil {
		setIf(headers, HeaderReplyTo, ap.ReplyTo.Address)
	}
	if ap.FaultTo != nil {
		setIf(headers, HeaderFaultTo, ap.FaultTo.Address)
	}
}

// DecodeAddressing reads addressing properties from protocol headers. It
// returns nil when the headers carry none.
func DecodeAddressing(headers map[string]string) *AddressingProperties {
	ap := &AddressingProperties{
		MessageID: headers[HeaderMessageID],
		RelatesTo: headers[HeaderRelatesTo],
		Action:    headers[HeaderAction],
	}
	found := ap.MessageID != "" || ap.RelatesTo != "" || ap.Action != ""

	var params map[string]string
	for k, v := range headers {
		if name, ok := strings.CutPrefix(k, HeaderRefParamPrefix); ok {
			if params == nil {
				params = make(map[string]string)
			}
			params[name] = unescapeParam(v)
		}
	}
	if to := headers[HeaderTo]; to != "" || params != nil {
		ap.To = &EndpointReference{Address: to, ReferenceParameters: params}
		found = true
	}
	if v := headers[HeaderReplyTo]; v != "" {
		ap.ReplyTo = NewEndpointReference(v)
		found = true
	}
	if v := headers[HeaderFaultTo]; v != "" {
		ap.FaultTo = NewEndpointReference(v)
		found = true
	}
	if !found {
		return nil
	}
	return ap
}

func unescapeParam(v string) string {
	out, err := url.QueryUnescape(v)
	if err != nil {
		return v
	}
	return out
}

func setIf(headers map[string]string, key, value string) {
	if value != "" {
		headers[key] = value
	}
}
