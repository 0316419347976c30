package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("prod", "debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger("dev", "loud")
	assert.Error(t, err)
}

func TestMetricsWithGlobalProvider(t *testing.T) {
	m := NewMetrics(nil)
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordClaim(ctx, "email_validation")
		m.RecordOutcome(ctx, "email_validation", "completed")
		m.RecordBatch(ctx, 3, time.Second)
		m.RecordWebhook(ctx, "hunter", "matched")
	})
}

func TestAccessLogAndServerTiming(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := AccessLog(zap.New(core), NewMetrics(nil))(ServerTiming(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := StartServerTiming(r.Context(), "store")
		st.Stop()
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Header().Get("Server-Timing"), "store")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(http.StatusTeapot), logs.All()[0].ContextMap()["status"])
}

func TestStartServerTimingWithoutMiddleware(t *testing.T) {
	st := StartServerTiming(context.Background(), "noop")
	assert.NotPanics(t, st.Stop)
}
