package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		201: "2xx",
		404: "4xx",
		409: "4xx",
		500: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestTransitionCounterIncrements(t *testing.T) {
	before := counterValue(t, "COMPLETED")
	TransitionsTotal.WithLabelValues("COMPLETED").Inc()
	after := counterValue(t, "COMPLETED")
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got %f -> %f", before, after)
	}
}

func counterValue(t *testing.T, status string) float64 {
	t.Helper()
	var m dto.Metric
	if err := TransitionsTotal.WithLabelValues(status).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
