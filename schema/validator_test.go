package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/bus"
	"github.com/glimte/mmate-rpc/client"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/dispatch"
	"github.com/glimte/mmate-rpc/endpoint"
	"github.com/glimte/mmate-rpc/transport"
	"github.com/glimte/mmate-rpc/transports/local"
)

type line struct {
	SKU      string `json:"sku"`
	Quantity uint   `json:"quantity"`
}

type createOrder struct {
	Customer string    `json:"customer"`
	Email    string    `json:"email,omitempty"`
	Lines    []line    `json:"lines"`
	Due      time.Time `json:"due,omitempty"`
	Note     *string   `json:"note,omitempty"`
	internal int
}

func intPtr(n int) *int { return &n }

func TestFromType(t *testing.T) {
	s := FromType(&createOrder{})
	assert.Equal(t, "object", s.Type)
	assert.ElementsMatch(t, []string{"customer", "lines"}, s.Required)
	require.Contains(t, s.Properties, "lines")
	assert.Equal(t, "array", s.Properties["lines"].Type)
	assert.Equal(t, "integer", s.Properties["lines"].Items.Properties["quantity"].Type)
	assert.Equal(t, "date-time", s.Properties["due"].Format)
	assert.Equal(t, "string", s.Properties["note"].Type)
	assert.NotContains(t, s.Properties, "internal")
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	v := NewValidator()
	s := FromType(createOrder{})
	s.Properties["email"].Format = "email"
	s.Properties["customer"].MinLength = intPtr(2)
	s.Properties["customer"].Pattern = `^[a-z]+$`
	require.NoError(t, v.Register("createOrder", s))

	tests := []struct {
		name  string
		body  string
		codes []string
	}{
		{name: "valid", body: `{"customer":"acme","lines":[{"sku":"a","quantity":2}]}`},
		{name: "missing required", body: `{"customer":"acme"}`, codes: []string{"REQUIRED"}},
		{name: "wrong type", body: `{"customer":"acme","lines":"x"}`, codes: []string{"TYPE_MISMATCH"}},
		{name: "negative quantity", body: `{"customer":"acme","lines":[{"sku":"a","quantity":-1}]}`, codes: []string{"MINIMUM_VIOLATION"}},
		{name: "fractional quantity", body: `{"customer":"acme","lines":[{"sku":"a","quantity":1.5}]}`, codes: []string{"TYPE_MISMATCH"}},
		{name: "bad email", body: `{"customer":"acme","email":"nope","lines":[]}`, codes: []string{"FORMAT_VIOLATION"}},
		{name: "short and wrong pattern", body: `{"customer":"A","lines":[]}`, codes: []string{"MIN_LENGTH_VIOLATION", "PATTERN_VIOLATION"}},
		{name: "malformed", body: `{`, codes: []string{"MALFORMED"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(ctx, "createOrder", []byte(tt.body))
			if len(tt.codes) == 0 {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			codes := make([]string, len(verr.Violations))
			for i, viol := range verr.Violations {
				codes[i] = viol.Code
			}
			assert.ElementsMatch(t, tt.codes, codes)
		})
	}

	assert.NoError(t, v.Validate(ctx, "unknown", []byte("not json")), "no schema")
}

func TestEnumAndRules(t *testing.T) {
	v := NewValidator()
	v.MustRegister("setLevel", &Schema{
		Type:     "object",
		Required: []string{"level"},
		Properties: map[string]*PropertyDef{
			"level": {Type: "integer", Enum: []interface{}{1, 2, 3}},
		},
		Rules: []Rule{func(ctx context.Context, doc interface{}) []Violation {
			if m, ok := doc.(map[string]interface{}); ok && m["level"] == 3.0 {
				return []Violation{{Field: "level", Code: "RESERVED", Message: "level 3 is reserved"}}
			}
			return nil
		}},
	})

	ctx := context.Background()
	assert.NoError(t, v.Validate(ctx, "setLevel", []byte(`{"level":2}`)))
	assert.ErrorContains(t, v.Validate(ctx, "setLevel", []byte(`{"level":5}`)), "level: value is not one of")
	assert.ErrorContains(t, v.Validate(ctx, "setLevel", []byte(`{"level":3}`)), "reserved")
}

func TestRegisterErrors(t *testing.T) {
	v := NewValidator()
	assert.ErrorIs(t, v.Register("", &Schema{}), ErrInvalidSchema)
	assert.ErrorIs(t, v.Register("op", nil), ErrInvalidSchema)
	assert.ErrorIs(t, v.Register("op", &Schema{Properties: map[string]*PropertyDef{
		"a": {Items: &PropertyDef{Pattern: "("}},
	}}), ErrInvalidSchema)
	assert.Panics(t, func() { v.MustRegister("", nil) })
}

func TestValidationInterceptor(t *testing.T) {
	ctx := context.Background()
	reg := transport.NewRegistry()
	tr := local.New()
	tr.Register(reg)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	b, err := bus.New(bus.WithRegistry(reg))
	require.NoError(t, err)

	v := NewValidator()
	v.MustRegister("createOrder", FromType(createOrder{}))

	invoked := 0
	svc := endpoint.NewService("orders", nil).
		HandleFunc("createOrder", func(ctx context.Context, ex *contracts.Exchange, req []byte) ([]byte, error) {
			invoked++
			return req, nil
		}).
		HandleFunc("ping", func(ctx context.Context, ex *contracts.Exchange, req []byte) ([]byte, error) {
			return []byte("pong"), nil
		})
	svc.Interceptors().In().Add(NewValidationInterceptor(v))

	srv, err := dispatch.NewServer(ctx, b, endpoint.New("orders", "local:orders", svc))
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	c, err := client.New(ctx, b, transport.NewEndpointReference("local:orders"), client.WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	body := `{"customer":"acme","lines":[]}`
	reply, err := c.Invoke(ctx, "createOrder", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, body, string(reply), "body still readable by the invoker")

	_, err = c.Invoke(ctx, "createOrder", []byte(`{"lines":[]}`))
	var fault *contracts.Fault
	require.True(t, errors.As(err, &fault), "got %v", err)
	assert.Equal(t, contracts.FaultCodeClient, fault.Code)
	assert.Contains(t, fault.Message, "customer: required property missing")
	assert.Equal(t, 1, invoked)

	reply, err = c.Invoke(ctx, "ping", []byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
}
