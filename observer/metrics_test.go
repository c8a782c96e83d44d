package observer

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	conduct "github.com/armadha/conduct"
)

func TestMetricsStatusFunc(t *testing.T) {
	m := NewMetrics()
	cb := m.StatusFunc()

	cb("a", conduct.StatusQueued)
	cb("a", conduct.StatusRunning)
	cb("a", conduct.StatusSucceeded)
	cb("b", conduct.StatusRunning)
	cb("b", conduct.StatusFailed)
	cb("c", conduct.StatusRunning)

	if got := testutil.ToFloat64(m.StepsStarted); got != 3 {
		t.Errorf("steps started = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.StepsSucceeded); got != 1 {
		t.Errorf("steps succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StepsFailed); got != 1 {
		t.Errorf("steps failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunningSteps); got != 1 {
		t.Errorf("running steps = %v, want 1", got)
	}
}

func TestMetricsNotifyFunc(t *testing.T) {
	m := NewMetrics()
	fn := m.NotifyFunc()
	fn("ops", "a")
	fn("ops", "b")
	if got := testutil.ToFloat64(m.NotificationsSent); got != 2 {
		t.Errorf("notifications = %v, want 2", got)
	}
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := NewMetrics()
	m.StepsStarted.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	for _, want := range []string{
		"conduct_steps_started_total 1",
		"conduct_steps_succeeded_total 0",
		"conduct_running_steps 0",
		"conduct_notifications_sent_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
}
