package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestHealth(t *testing.T) {
	m := New("test")
	h := NewHealth(m)

	if s := h.Status(); !s.Healthy || s.Ready {
		t.Fatalf("expected healthy and not ready, got %+v", s)
	}

	h.SetReady()
	if s := h.Status(); !s.Ready {
		t.Fatal("expected ready")
	}

	h.Halt(errors.New("graph store unavailable"))
	h.Halt(errors.New("second cause ignored"))
	s := h.Status()
	if s.Healthy || s.Ready {
		t.Errorf("expected halted, got %+v", s)
	}
	if s.Cause != "graph store unavailable" {
		t.Errorf("unexpected cause: %s", s.Cause)
	}
}

func TestHandler(t *testing.T) {
	m := New("kestrel")
	m.BlocksProcessed.Add(3)
	m.Signals.WithLabelValues("SANDWICH").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"kestrel_blocks_processed_total 3",
		`kestrel_mev_signals_total{type="SANDWICH"} 1`,
		"kestrel_pipeline_healthy 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestObservers(t *testing.T) {
	m := New("kestrel")
	m.ObserveReceipt(domain.DeliveryReceipt{AlertID: "a1", Attempt: 1})
	m.ObserveReceipt(domain.DeliveryReceipt{AlertID: "a1", Attempt: 2, Delivered: true})
	m.ObserveDeadLetter(&domain.DeadLetter{ID: "dl1"})
	m.ObserveFeedRetry(errors.New("connection reset"), time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`kestrel_dispatch_attempts_total{outcome="failed"} 1`,
		`kestrel_dispatch_attempts_total{outcome="delivered"} 1`,
		"kestrel_dead_letters_total 1",
		"kestrel_feed_retries_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
