package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func scrape(t *testing.T, manager *Manager) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	manager.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return recorder.Body.String()
}

func TestManager(t *testing.T) {
	t.Run("Disabled config yields a nil manager", func(t *testing.T) {
		assert.Nil(t, NewManager(Config{Enabled: false}, zaptest.NewLogger(t).Sugar()))
	})

	t.Run("A nil manager records nothing and never panics", func(t *testing.T) {
		var manager *Manager
		manager.RecordSelection("chat", "m1", "scored")
		manager.RecordAttempt("m1", true, time.Second)
		manager.RecordFallback("m1", "m2")
		manager.RecordCost("m1", 0.01)
		manager.SetBudgetStatus("normal")

		recorder := httptest.NewRecorder()
		manager.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("Recorded events show up in the exposition", func(t *testing.T) {
		manager := NewManager(DefaultConfig(), zaptest.NewLogger(t).Sugar())

		manager.RecordSelection("chat", "m1", "scored")
		manager.RecordAttempt("m1", true, 250*time.Millisecond)
		manager.RecordAttempt("m1", false, time.Second)
		manager.RecordFallback("m1", "m2")
		manager.RecordCost("m1", 0.0125)

		body := scrape(t, manager)
		assert.Contains(t, body, `maestro_router_selections_total{model="m1",reason="scored",task_type="chat"} 1`)
		assert.Contains(t, body, `maestro_router_attempts_total{model="m1",outcome="success"} 1`)
		assert.Contains(t, body, `maestro_router_attempts_total{model="m1",outcome="failure"} 1`)
		assert.Contains(t, body, `maestro_router_fallbacks_total{from_model="m1",to_model="m2"} 1`)
		assert.Contains(t, body, `maestro_router_cost_usd_total{model="m1"} 0.0125`)
	})

	t.Run("Budget status keeps exactly one series high", func(t *testing.T) {
		manager := NewManager(DefaultConfig(), zaptest.NewLogger(t).Sugar())

		manager.SetBudgetStatus("warning")
		body := scrape(t, manager)
		assert.Contains(t, body, `maestro_router_budget_status{status="normal"} 0`)
		assert.Contains(t, body, `maestro_router_budget_status{status="warning"} 1`)
		assert.Contains(t, body, `maestro_router_budget_status{status="critical"} 0`)

		manager.SetBudgetStatus("critical")
		body = scrape(t, manager)
		assert.Contains(t, body, `maestro_router_budget_status{status="warning"} 0`)
		assert.Contains(t, body, `maestro_router_budget_status{status="critical"} 1`)
	})

	t.Run("Empty namespace falls back to defaults", func(t *testing.T) {
		manager := NewManager(Config{Enabled: true}, zaptest.NewLogger(t).Sugar())
		manager.RecordSelection("chat", "m1", "scored")
		assert.Contains(t, scrape(t, manager), "maestro_router_selections_total")
	})
}
