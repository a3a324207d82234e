package contracts

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage()
	_, err := uuid.Parse(msg.ID())
	assert.NoError(t, err)
	assert.NotZero(t, msg.Timestamp())
	assert.False(t, msg.IsInbound())
	assert.False(t, msg.IsRequestor())
	assert.Nil(t, msg.Input())
	assert.Nil(t, msg.Output())
}

func TestMessageProperties(t *testing.T) {
	msg := NewMessage()
	msg.Put(KeyOperation, "echo")
	msg.Put(KeyRequestor, true)
	msg.SetCorrelationID("c-1")

	assert.Equal(t, "echo", msg.GetString(KeyOperation))
	assert.True(t, msg.IsRequestor())
	assert.Equal(t, "c-1", msg.CorrelationID())
	assert.ElementsMatch(t, []string{KeyOperation, KeyRequestor, KeyCorrelationID}, msg.Keys())

	msg.Put(KeyOperation, 42)
	assert.Empty(t, msg.GetString(KeyOperation), "wrong type reads as zero")

	msg.Remove(KeyRequestor)
	assert.False(t, msg.IsRequestor())

	msg.Headers()["X-Trace"] = "t1"
	assert.Equal(t, "t1", msg.Headers()["X-Trace"], "headers persist")
}

func TestMessageHeaders(t *testing.T) {
	msg := NewMessage()
	assert.Empty(t, msg.Header("X-Missing"))
	assert.Empty(t, msg.CopyHeaders())

	msg.SetHeader("X-Trace", "t1")
	assert.Equal(t, "t1", msg.Header("X-Trace"))
	assert.Equal(t, "t1", msg.Headers()["X-Trace"])

	cp := msg.CopyHeaders()
	cp["X-Trace"] = "changed"
	assert.Equal(t, "t1", msg.Header("X-Trace"), "copy is detached")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			msg.SetHeader(key, key)
			_ = msg.CopyHeaders()
			_ = msg.Header(key)
		}(i)
	}
	wg.Wait()
	assert.Len(t, msg.CopyHeaders(), 9)
}

func TestMessageContentHandles(t *testing.T) {
	in := NewInboundMessage(strings.NewReader("hello"))
	assert.True(t, in.IsInbound())
	require.NotNil(t, in.Input())

	var buf bytes.Buffer
	in.SetOutput(&buf)
	assert.Nil(t, in.Input(), "setting the output drops the input")
	assert.Same(t, &buf, in.Output())

	in.SetInput(strings.NewReader("again"))
	assert.Nil(t, in.Output())
}

func TestContextual(t *testing.T) {
	ex := NewExchange()
	ex.Put(KeyService, "orders")

	msg := NewMessage()
	ex.SetInMessage(msg)
	assert.Same(t, ex, msg.Exchange())
	assert.Same(t, msg, ex.InMessage())

	v, ok := msg.Contextual(KeyService)
	require.True(t, ok)
	assert.Equal(t, "orders", v)

	msg.Put(KeyService, "billing")
	v, _ = msg.Contextual(KeyService)
	assert.Equal(t, "billing", v, "message wins over exchange")

	_, ok = NewMessage().Contextual(KeyService)
	assert.False(t, ok)
}

func TestNewFaultMessage(t *testing.T) {
	boom := errors.New("boom")

	t.Run("server side becomes out fault", func(t *testing.T) {
		ex := NewExchange()
		origin := NewInboundMessage(nil)
		origin.SetCorrelationID("c-2")
		ex.SetInMessage(origin)

		fm := NewFaultMessage(origin, boom)
		assert.Same(t, fm, ex.OutFaultMessage())
		assert.Nil(t, ex.InFaultMessage())
		assert.Equal(t, "c-2", fm.CorrelationID())
		assert.ErrorIs(t, fm.Fault(), boom)
	})

	t.Run("requestor inbound becomes in fault", func(t *testing.T) {
		ex := NewExchange()
		origin := NewInboundMessage(nil)
		origin.Put(KeyRequestor, true)
		ex.SetInMessage(origin)

		fm := NewFaultMessage(origin, boom)
		assert.Same(t, fm, ex.InFaultMessage())
		assert.True(t, fm.IsInbound())
		assert.True(t, fm.IsRequestor())
	})

	t.Run("no origin", func(t *testing.T) {
		fm := NewFaultMessage(nil, boom)
		assert.Nil(t, fm.Exchange())
		assert.Equal(t, boom, fm.Fault())
	})
}

func TestExchange(t *testing.T) {
	ex := NewExchange()
	assert.True(t, ex.IsSynchronous())
	assert.False(t, ex.IsOneWay())

	ex.SetOneWay(true)
	ex.SetSynchronous(false)
	assert.True(t, ex.IsOneWay())
	assert.False(t, ex.IsSynchronous())

	out := NewMessage()
	ex.SetOutMessage(out)
	assert.Same(t, ex, out.Exchange())

	ex.Put(KeyResult, []byte("r"))
	b, ok := Value[[]byte](ex, KeyResult)
	require.True(t, ok)
	assert.Equal(t, "r", string(b))

	_, ok = Value[string](ex, KeyResult)
	assert.False(t, ok, "wrong type")
	_, ok = Value[string](nil, KeyResult)
	assert.False(t, ok)

	ex.Remove(KeyResult)
	_, ok = ex.Get(KeyResult)
	assert.False(t, ok)
}

func TestFault(t *testing.T) {
	cause := errors.New("disk full")
	f := AsFault(cause)
	assert.Equal(t, FaultCodeServer, f.Code)
	assert.ErrorIs(t, f, cause)
	assert.Equal(t, "Server: disk full", f.Error())

	client := NewFault(FaultCodeClient, "bad request")
	assert.Same(t, client, AsFault(client))
	assert.Nil(t, AsFault(nil))
}
