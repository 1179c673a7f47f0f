package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)
	id := RequestIDFromContext(ctx)
	assert.NotEmpty(t, id)

	// a second call keeps the existing logger
	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, rlog, rlog2)
	assert.Equal(t, id, RequestIDFromContext(ctx2))
}

func TestContextWithConnection(t *testing.T) {
	ctx, _ := ContextWithLogger(context.Background())
	requestID := RequestIDFromContext(ctx)

	ctx1, rlog := ContextWithConnection(ctx, "dev1")
	assert.Equal(t, "dev1", rlog.Data[deviceLoggerKey])
	assert.Equal(t, requestID, RequestIDFromContext(ctx1))
	first := ConnectionIDFromContext(ctx1)
	assert.NotEmpty(t, first)

	ctx2, rlog := ContextWithConnection(ctx, "")
	_, hasDevice := rlog.Data[deviceLoggerKey]
	assert.False(t, hasDevice)
	assert.NotEqual(t, first, ConnectionIDFromContext(ctx2))
}

func TestFromContextWithoutLogger(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Empty(t, ConnectionIDFromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("chatty"))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var requestID string
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		requestID = RequestIDFromContext(r.Context())
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, requestID)
}
