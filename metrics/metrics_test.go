package metrics

import (
	"testing"

	"github.com/m-lab/go/prometheusx/promtest"
)

func TestLintMetrics(t *testing.T) {
	ActiveSessions.WithLabelValues("x")
	SessionCount.WithLabelValues("x", "x")
	LifecycleEvents.WithLabelValues("x")
	FramesPushed.WithLabelValues("x")
	FrameErrors.WithLabelValues("x")
	MessagesReceived.WithLabelValues("x")
	MessagesDropped.WithLabelValues("x", "x")
	Artifacts.WithLabelValues("x", "x")
	promtest.LintMetrics(t)
}
