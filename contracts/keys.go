package contracts

// Well-known message and exchange keys
const (
	KeyRequestor          = "mmate.requestor"
	KeyInbound            = "mmate.inbound"
	KeyCorrelationID      = "mmate.correlationId"
	KeyContentType        = "mmate.contentType"
	KeyResponseCode       = "mmate.responseCode"
	KeyPartialResponse    = "mmate.partialResponse"
	KeyDecoupledReplyTo   = "mmate.decoupledReplyTo"
	KeyAddressing         = "mmate.addressing"
	KeyProtocolHeaders    = "mmate.protocolHeaders"
	KeyCandidateEndpoints = "mmate.candidateEndpoints"
	KeyFaultPhase         = "mmate.faultPhase"
	KeyOperation          = "mmate.operation"
	KeyRequestURI         = "mmate.requestUri"
	KeyPayload            = "mmate.payload"
)

// Exchange context keys
const (
	KeyBus         = "mmate.bus"
	KeyService     = "mmate.service"
	KeyEndpoint    = "mmate.endpoint"
	KeyBinding     = "mmate.binding"
	KeyDestination = "mmate.destination"
	KeyConduit     = "mmate.conduit"
	KeyBackChannel = "mmate.backChannel"
	KeyResult      = "mmate.result"
	KeyResponded   = "mmate.responded"
)
