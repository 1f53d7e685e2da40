package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestEventMetrics(t *testing.T) {
	EventsReceived.WithLabelValues("message").Inc()
	EventsDropped.WithLabelValues("duplicate").Inc()
	DispatchLatency.WithLabelValues("message").Observe(0.3)
	DispatchInFlight.Set(2)

	names := gatheredNames(t)
	for _, name := range []string{
		"snapbot_events_total",
		"snapbot_events_dropped_total",
		"snapbot_dispatch_latency_seconds",
		"snapbot_dispatch_in_flight",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestSubmissionAndPlatformMetrics(t *testing.T) {
	Submissions.WithLabelValues("accepted").Inc()
	Submissions.WithLabelValues("malformed").Inc()
	PlatformErrors.WithLabelValues("chat.postMessage", "channel_not_found").Inc()
	PlatformLatency.WithLabelValues("chat.postMessage").Observe(0.08)

	names := gatheredNames(t)
	for _, name := range []string{
		"snapbot_submissions_total",
		"snapbot_platform_errors_total",
		"snapbot_platform_call_seconds",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestImageRosterHealthMetrics(t *testing.T) {
	ImageDownloadSeconds.Observe(1.2)
	ImageBytes.Observe(512 * 1024)
	RosterSize.Set(14)
	WelcomesSent.WithLabelValues("sent").Add(13)
	WelcomesSent.WithLabelValues("failed").Inc()
	HealthStatus.WithLabelValues("ledger").Set(1)

	names := gatheredNames(t)
	for _, name := range []string{
		"snapbot_image_download_seconds",
		"snapbot_image_bytes",
		"snapbot_roster_members",
		"snapbot_welcomes_total",
		"snapbot_health_status",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestAllMetricsNamespaced(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		name := f.GetName()
		if strings.HasPrefix(name, "go_") || strings.HasPrefix(name, "process_") || strings.HasPrefix(name, "promhttp_") {
			continue
		}
		if !strings.HasPrefix(name, "snapbot_") {
			t.Errorf("metric %q is missing the snapbot_ namespace", name)
		}
	}
}
