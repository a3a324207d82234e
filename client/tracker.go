package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

var (
	ErrRequestNotFound = errors.New("client: request not found")
	ErrRequestFinished = errors.New("client: request already finished")
)

// RequestStatus represents the status of a request
type RequestStatus string

const (
	RequestStatusPending      RequestStatus = "pending"
	RequestStatusSent         RequestStatus = "sent"
	RequestStatusAcknowledged RequestStatus = "acknowledged"
	RequestStatusTimeout      RequestStatus = "timeout"
	RequestStatusFailed       RequestStatus = "failed"
	RequestStatusCompleted    RequestStatus = "completed"
)

// Finished reports whether the status is final
func (s RequestStatus) Finished() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed || s == RequestStatusTimeout
}

// Response is the outcome of a tracked request
type Response struct {
	Payload []byte
	Message *contracts.Message
	Err     error
}

// TrackedRequest represents a request being tracked
type TrackedRequest struct {
	CorrelationID string
	Operation     string
	Status        RequestStatus
	Error         error
	SentAt        time.Time
	ReceivedAt    *time.Time
	Timeout       time.Duration

	done chan Response
}

// RequestTracker correlates replies with the requests waiting for them
type RequestTracker struct {
	mu       sync.RWMutex
	requests map[string]*TrackedRequest
}

// NewRequestTracker creates an empty tracker
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[string]*TrackedRequest),
	}
}

// Track adds a request and returns the channel its response is delivered on
func (t *RequestTracker) Track(request *TrackedRequest) (<-chan Response, error) {
	if request == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if request.CorrelationID == "" {
		return nil, fmt.Errorf("correlation ID is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if request.Status == "" {
		request.Status = RequestStatusPending
	}
	if request.SentAt.IsZero() {
		request.SentAt = time.Now()
	}
	request.done = make(chan Response, 1)
	t.requests[request.CorrelationID] = request
	return request.done, nil
}

// UpdateStatus updates the status of an unfinished request
func (t *RequestTracker) UpdateStatus(correlationID string, status RequestStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	request, exists := t.requests[correlationID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, correlationID)
	}
	if request.Status.Finished() {
		return fmt.Errorf("%w: %s", ErrRequestFinished, correlationID)
	}
	request.Status = status
	return nil
}

// Get returns a copy of a tracked request
func (t *RequestTracker) Get(correlationID string) (TrackedRequest, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	request, exists := t.requests[correlationID]
	if !exists {
		return TrackedRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, correlationID)
	}
	return *request, nil
}

// Active returns the correlation ids of requests still waiting
func (t *RequestTracker) Active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make([]string, 0)
	for id, req := range t.requests {
		if !req.Status.Finished() {
			active = append(active, id)
		}
	}
	return active
}

// Complete delivers the reply of a request
func (t *RequestTracker) Complete(correlationID string, msg *contracts.Message, payload []byte) error {
	return t.finish(correlationID, RequestStatusCompleted, Response{Payload: payload, Message: msg})
}

// Fail delivers an error in place of the reply
func (t *RequestTracker) Fail(correlationID string, err error) error {
	return t.finish(correlationID, RequestStatusFailed, Response{Err: err})
}

// Forget stops tracking a request
func (t *RequestTracker) Forget(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.requests, correlationID)
}

func (t *RequestTracker) finish(correlationID string, status RequestStatus, resp Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	request, exists := t.requests[correlationID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, correlationID)
	}
	if request.Status.Finished() {
		return fmt.Errorf("%w: %s", ErrRequestFinished, correlationID)
	}

	now := time.Now()
	request.Status = status
	request.Error = resp.Err
	request.ReceivedAt = &now
	request.done <- resp
	return nil
}

// CleanupExpired times out requests past their timeout and removes
// finished requests older than retention. It returns the number of
// requests that timed out.
func (t *RequestTracker) CleanupExpired(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	expired := 0

	for correlationID, req := range t.requests {
		if !req.Status.Finished() && req.Timeout > 0 && now.Sub(req.SentAt) > req.Timeout {
			req.Status = RequestStatusTimeout
			req.Error = ErrTimeout
			req.done <- Response{Err: ErrTimeout}
			expired++
		}

		if req.Status.Finished() && now.Sub(req.SentAt) > retention {
			delete(t.requests, correlationID)
		}
	}
	return expired
}
