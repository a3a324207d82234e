package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/interceptors"
)

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) IsConnected() bool {
	return m.Called().Bool(0)
}

func TestConnectionChecker(t *testing.T) {
	conn := &mockConnection{}
	conn.On("IsConnected").Return(true).Once()
	conn.On("IsConnected").Return(false).Once()

	c := NewConnectionChecker("amqp", conn)
	assert.Equal(t, "amqp", c.Name())
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
	conn.AssertExpectations(t)
}

func TestCacheChecker(t *testing.T) {
	cache := interceptors.NewCache()
	table := interceptors.MustPhaseTable(interceptors.InPhaseNames...)
	_, err := cache.Template(table, interceptors.NewList())
	require.NoError(t, err)

	res := NewCacheChecker(cache, 10).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 1, res.Details["entries"])

	res = NewCacheChecker(cache, 0).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status, "no limit")
}

func TestGoroutineChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewGoroutineChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewGoroutineChecker(1, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(1, 1).Check(context.Background()).Status)
}

func TestRegistryCheck(t *testing.T) {
	reg := NewRegistry()
	reg.SetMetadata("bus", "b1")
	reg.Register(NewComponentChecker("ok", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "fine", nil
	}))
	reg.Register(NewComponentChecker("slow", func(ctx context.Context) (Status, string, error) {
		return StatusDegraded, "slow", nil
	}))

	report := reg.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.Equal(t, "b1", report.Metadata["bus"])

	reg.Register(NewComponentChecker("broken", func(ctx context.Context) (Status, string, error) {
		return StatusUnhealthy, "down", errors.New("refused")
	}))
	report = reg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "refused", report.Checks["broken"].Error)

	reg.Unregister("broken")
	assert.Equal(t, StatusDegraded, reg.Check(context.Background()).Status)
}

func TestRegistryCheckTimeout(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	defer close(release)
	reg.Register(NewComponentChecker("stuck", func(ctx context.Context) (Status, string, error) {
		<-release
		return StatusHealthy, "", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report := reg.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "check timed out", report.Checks["stuck"].Message)
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	conn := &mockConnection{}
	conn.On("IsConnected").Return(false)
	reg.Register(NewConnectionChecker("nats", conn))

	h := NewHandler(reg, time.Second)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusUnhealthy, report.Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
