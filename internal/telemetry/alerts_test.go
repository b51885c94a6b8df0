package telemetry

import (
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const alertsPath = "../../deploy/prometheus/alerts.yml"

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

func loadAlerts(t *testing.T) []alertGroup {
	t.Helper()
	data, err := os.ReadFile(alertsPath)
	if err != nil {
		t.Skipf("Skipping test: alerts file not found at %s", alertsPath)
	}
	var config struct {
		Groups []alertGroup `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		t.Fatalf("Invalid YAML in alerts.yml: %v", err)
	}
	if len(config.Groups) == 0 {
		t.Fatal("alerts.yml 'groups' is empty")
	}
	return config.Groups
}

// TestCriticalAlertsPresent verifies critical alerts are defined.
func TestCriticalAlertsPresent(t *testing.T) {
	names := map[string]bool{}
	for _, g := range loadAlerts(t) {
		for _, r := range g.Rules {
			names[r.Alert] = true
		}
	}

	for _, alertName := range []string{"WorkerNotRegistered", "HeartbeatFailures", "AssignmentErrors", "DashboardMessagesDropped"} {
		if !names[alertName] {
			t.Errorf("Critical alert '%s' not found in alerts.yml", alertName)
		}
	}
}

// TestAlertLabels verifies alerts have required labels.
func TestAlertLabels(t *testing.T) {
	for _, group := range loadAlerts(t) {
		for _, alert := range group.Rules {
			if alert.Alert == "" {
				continue
			}
			if _, ok := alert.Labels["severity"]; !ok {
				t.Errorf("Alert '%s' missing 'severity' label", alert.Alert)
			}
			if _, ok := alert.Annotations["summary"]; !ok {
				t.Errorf("Alert '%s' missing 'summary' annotation", alert.Alert)
			}
		}
	}
}

// TestAlertMetricsExist verifies every seqworker metric referenced by an alert is registered.
func TestAlertMetricsExist(t *testing.T) {
	// vectors only show up once a child exists
	HeartbeatsTotal.WithLabelValues("error")
	AssignmentTransitionsTotal.WithLabelValues("CONFLICT")
	DashboardProtocolErrorsTotal.WithLabelValues("unmasked")
	ArtifactUploadsTotal.WithLabelValues("error")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	registered := map[string]bool{}
	for _, mf := range families {
		name := mf.GetName()
		registered[name] = true
		// histograms are queried through their series suffixes
		registered[name+"_bucket"] = true
	}

	for _, group := range loadAlerts(t) {
		for _, alert := range group.Rules {
			for _, field := range strings.FieldsFunc(alert.Expr, func(r rune) bool {
				return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
			}) {
				if strings.HasPrefix(field, namespace+"_") && !registered[field] {
					t.Errorf("Alert '%s' references unregistered metric %s", alert.Alert, field)
				}
			}
		}
	}
}
