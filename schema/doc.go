// Package schema validates JSON request payloads before they reach a
// service.
//
// Schemas are registered per operation, either by hand or derived from a Go
// request type:
//
//	v := schema.NewValidator()
//	v.MustRegister("createOrder", schema.FromType(CreateOrder{}))
//	svc.Interceptors().In().Add(schema.NewValidationInterceptor(v))
//
// Requests that violate their schema fault with a Client fault carrying
// every violation; operations without a schema pass through unchanged.
package schema
