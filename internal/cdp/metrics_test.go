package cdp

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.commandSent("browser")
	m.commandFailed(errors.New("boom"))
	m.setInFlight(3)
	m.eventDispatched()
	m.handlerPanicked()
	m.malformedFrame()
}

func TestMetrics_RecordsClientActivity(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	conn := newFakeBrowser(func(req Request) []string {
		if req.Method == "Runtime.evaluate" {
			return fail(-32000, "Cannot find context with specified id")(req)
		}
		return echo(`{}`)(req)
	})
	client := NewClient(conn, Options{Logger: zerolog.Nop(), Metrics: metrics})
	defer client.Close()

	if _, err := client.Call(context.Background(), "Page.enable", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := client.Call(context.Background(), "Runtime.evaluate", nil); !errors.Is(err, ErrWrongWorld) {
		t.Fatalf("expected wrong world, got %v", err)
	}
	conn.push(`garbage`)
	waitFor(t, "malformed frame counter", func() bool {
		return testutil.ToFloat64(metrics.malformed) == 1
	})

	if got := testutil.ToFloat64(metrics.commands.WithLabelValues("browser")); got != 2 {
		t.Errorf("expected 2 browser commands, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("wrong_world")); got != 1 {
		t.Errorf("expected 1 wrong world failure, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.inFlight); got != 0 {
		t.Errorf("expected empty in-flight gauge, got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "cdpdriver_command_duration_seconds"); err != nil || n != 1 {
		t.Errorf("expected one latency series, got %d (%v)", n, err)
	}
}
