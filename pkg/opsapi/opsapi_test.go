package opsapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStatusProvider struct {
	mock.Mock
}

func (m *MockStatusProvider) Status(ctx context.Context) (domain.StatusDocument, error) {
	args := m.Called(ctx)
	document, _ := args.Get(0).(domain.StatusDocument)
	return document, args.Error(1)
}

func sampleDocument() domain.StatusDocument {
	pid := 42
	return domain.StatusDocument{
		"a": {PID: &pid, Port: 9001, State: "running"},
		"b": {Port: 9002, State: "stopped"},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Status(t *testing.T) {
	provider := &MockStatusProvider{}
	provider.On("Status", mock.Anything).Return(sampleDocument(), nil)
	h := NewHandler(provider, nil, nil, logging.Discard())

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mimeJSON, rec.Header().Get("Content-Type"))

	var document domain.StatusDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &document))
	assert.Equal(t, sampleDocument(), document)
}

func TestHandler_StatusOfOneProcess(t *testing.T) {
	provider := &MockStatusProvider{}
	provider.On("Status", mock.Anything).Return(sampleDocument(), nil)
	h := NewHandler(provider, nil, nil, logging.Discard())

	rec := get(t, h, "/status/b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pid":null,"port":9002,"state":"stopped"}`, rec.Body.String())

	rec = get(t, h, "/status/zzz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "zzz is not a managed process")
}

func TestHandler_StatusError(t *testing.T) {
	provider := &MockStatusProvider{}
	provider.On("Status", mock.Anything).Return(nil, errors.NewConflictError("manager is shutting down", nil))
	h := NewHandler(provider, nil, nil, logging.Discard())

	rec := get(t, h, "/status")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"code":409,"message":"manager is shutting down"}`, rec.Body.String())
}

func TestHandler_Health(t *testing.T) {
	healthy := true
	h := NewHandler(&MockStatusProvider{}, func() (bool, string) {
		if healthy {
			return true, "running"
		}
		return false, "stopping"
	}, nil, logging.Discard())

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"healthy":true,"state":"running"}`, rec.Body.String())

	healthy = false
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Metrics(t *testing.T) {
	m := metrics.New()
	m.Launched("a")

	h := NewHandler(&MockStatusProvider{}, nil, m.Handler(), logging.Discard())
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hsu_supervisor_launches_total{name="a"} 1`)

	h = NewHandler(&MockStatusProvider{}, nil, nil, logging.Discard())
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := NewHandler(&MockStatusProvider{}, nil, nil, logging.Discard())
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ServeAndStop(t *testing.T) {
	provider := &MockStatusProvider{}
	provider.On("Status", mock.Anything).Return(sampleDocument(), nil)

	server, err := NewServer("127.0.0.1:0", NewHandler(provider, nil, nil, logging.Discard()), logging.Discard())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve() }()

	resp, err := http.Get("http://" + server.Address() + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"port":9001`)

	_, err = NewServer(server.Address(), http.NotFoundHandler(), logging.Discard())
	assert.True(t, errors.IsConflictError(err))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(ctx)
	assert.NoError(t, <-done)
}
