package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleepstars/unigate/internal/models"
)

func TestRecorder(t *testing.T) {
	r := New()

	r.ObserveRequest(models.BackendLocal, "llama3", StatusSuccess, 150*time.Millisecond)
	r.ObserveRequest(models.BackendLocal, "llama3", StatusSuccess, 50*time.Millisecond)
	r.ObserveRequest(models.BackendCloud, "gpt-4", StatusError, time.Second)
	r.ObserveTokens(models.BackendLocal, "llama3", models.NewUsage(10, 4))
	r.ObserveSelection(models.BackendLocal, "auto")
	r.ObserveFallback(models.BackendCloud, models.BackendLocal)
	r.SetLocalModels(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("local", "llama3", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("cloud", "gpt-4", StatusError)))
	assert.Equal(t, 10.0, testutil.ToFloat64(r.tokens.WithLabelValues("local", "llama3", "prompt")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.tokens.WithLabelValues("local", "llama3", "completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.selections.WithLabelValues("local", "auto")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fallbacks.WithLabelValues("cloud", "local")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.localModels))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration), "errors are not timed")
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveRequest(models.BackendLocal, "m", StatusSuccess, time.Second)
		r.ObserveTokens(models.BackendLocal, "m", models.NewUsage(1, 1))
		r.ObserveSelection(models.BackendLocal, "manual")
		r.ObserveFallback(models.BackendCloud, models.BackendLocal)
		r.SetLocalModels(1)
	})
}

func TestHandler(t *testing.T) {
	r := New()
	r.ObserveSelection(models.BackendCloud, "manual")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `backend_selection_total{backend="cloud",method="manual"} 1`)
	assert.Contains(t, string(body), "ollama_models_available 0")
}
