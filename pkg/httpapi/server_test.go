package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sentryscan/sentryscan/pkg/events"
	"github.com/sentryscan/sentryscan/pkg/telemetry"
)

func TestServer_Healthz(t *testing.T) {
	s := New(Config{}, events.New(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("expected status ok body, got %q", rec.Body.String())
	}
}

type stubHealth struct{}

func (stubHealth) BrokerState() string    { return "SERVING" }
func (stubHealth) SchedulerInFlight() int { return 2 }

func TestServer_HealthzWithProvider(t *testing.T) {
	s := New(Config{}, events.New(), nil, stubHealth{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "SERVING") || !strings.Contains(body, `"scheduler_in_flight":2`) {
		t.Fatalf("expected broker/scheduler detail in body, got %q", body)
	}
}

func TestServer_MetricsDisabledWithoutCollector(t *testing.T) {
	s := New(Config{}, events.New(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when metrics disabled, got %d", rec.Code)
	}
}

func TestServer_MetricsEnabled(t *testing.T) {
	m := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true})
	s := New(Config{}, events.New(), m, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_EventsReplaysThenStreams(t *testing.T) {
	bus := events.New()
	bus.Publish("wf-1", events.TypeWorkflowStarted, map[string]any{"x": 1})
	bus.Publish("wf-1", events.TypeNodeStarted, map[string]any{"x": 2})

	s := New(Config{}, bus, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events/wf-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.router().ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to write the replay batch, then publish a
	// live event and let the request context deadline end the stream.
	time.Sleep(50 * time.Millisecond)
	bus.Publish("wf-1", events.TypeProgress, map[string]any{"x": 3})
	<-done

	body := rec.Body.String()
	scanner := bufio.NewScanner(strings.NewReader(body))
	var eventLines int
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: ") {
			eventLines++
		}
	}
	if eventLines < 2 {
		t.Fatalf("expected at least 2 SSE events in replay+live stream, got %d; body=%q", eventLines, body)
	}
}
