package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveDeliveryAttempt(t *testing.T) {
	before := testutil.ToFloat64(deliveryAttempts.WithLabelValues("telegram", "telegram_bot", "delivered"))
	ObserveDeliveryAttempt("telegram", "telegram_bot", "delivered", 20*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(deliveryAttempts.WithLabelValues("telegram", "telegram_bot", "delivered")))
}

func TestObserveRedisCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(redisErrorsTotal.WithLabelValues("lock"))
	ObserveRedis("lock", time.Now(), nil)
	ObserveRedis("lock", time.Now(), errors.New("down"))
	require.Equal(t, before+1, testutil.ToFloat64(redisErrorsTotal.WithLabelValues("lock")))
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/communications/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/communications/{id}", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/communications/abc", nil))
	require.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/communications/{id}", "404")))
}
