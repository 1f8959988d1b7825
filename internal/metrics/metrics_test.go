package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	testCases := []struct {
		name     string
		input    int
		expected string
	}{
		{"ok", 200, "2xx"},
		{"redirect", 301, "3xx"},
		{"not found", 404, "4xx"},
		{"rate limited", 429, "4xx"},
		{"server error", 503, "5xx"},
		{"transport error", 0, "error"},
		{"out of range", 999, "error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusClass(tc.input); got != tc.expected {
				t.Errorf("StatusClass(%d) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerOutcomesTotal == nil || crawlerRequestsTotal == nil ||
		crawlerRobotsDecisionsTotal == nil || crawlerQueuedHosts == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(crawlerOutcomesTotal.WithLabelValues("no_links"))
	ObserveOutcome("no_links", false)
	if val := testutil.ToFloat64(crawlerOutcomesTotal.WithLabelValues("no_links")); val != before+1 {
		t.Errorf("Expected no_links outcomes to be %f, got %f", before+1, val)
	}

	limited := testutil.ToFloat64(crawlerRateLimitedTotal)
	ObserveOutcome("fetch_error", true)
	if val := testutil.ToFloat64(crawlerRateLimitedTotal); val != limited+1 {
		t.Errorf("Expected rate limited counter to be %f, got %f", limited+1, val)
	}

	SetQueueState(7, 2, 1, 3)
	if val := testutil.ToFloat64(crawlerQueuedHosts); val != 7 {
		t.Errorf("Expected queued gauge to be 7, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerElevatedKeys); val != 3 {
		t.Errorf("Expected elevated keys gauge to be 3, got %f", val)
	}
}

func TestObserveRobotsDecisionLabels(t *testing.T) {
	Init()

	before := testutil.ToFloat64(crawlerRobotsDecisionsTotal.WithLabelValues("disallowed", "state"))
	ObserveRobotsDecision(false, true)
	if val := testutil.ToFloat64(crawlerRobotsDecisionsTotal.WithLabelValues("disallowed", "state")); val != before+1 {
		t.Errorf("Expected disallowed/state to be %f, got %f", before+1, val)
	}
}

// Fuzz test for StatusClass.
func FuzzStatusClass(f *testing.F) {
	for _, tc := range []int{0, 200, 429, 1000, -1} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, code int) {
		if StatusClass(code) == "" {
			t.Errorf("StatusClass(%d) returned an empty string", code)
		}
	})
}
