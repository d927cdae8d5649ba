package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

type appliedCall struct {
	axis    version.Axis
	version version.ConfigVersion
}

type fakeApplier struct {
	mu       sync.Mutex
	applies  []appliedCall
	isolates int
	healthy  bool
	applyErr error
}

func (f *fakeApplier) Apply(_ context.Context, axis version.Axis, v version.ConfigVersion, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applies = append(f.applies, appliedCall{axis: axis, version: v})
	return nil
}

func (f *fakeApplier) Isolate(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isolates++
	return nil
}

func (f *fakeApplier) Health(_ context.Context) (bool, []health.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy, nil
}

// fakeControlPlane scripts the control plane side of the protocol.
type fakeControlPlane struct {
	mu       sync.Mutex
	desired  DesiredConfigResponse
	fetchErr int // HTTP status to return on fetch, 0 for success
	notFound bool
	reports  []StatusReport
}

func (f *fakeControlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/resources/{id}/desired-config", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.notFound {
			writeError(w, http.StatusNotFound, CodeNotFound, "unknown resource")
			return
		}
		if f.fetchErr != 0 {
			writeError(w, f.fetchErr, CodeInternal, "scripted failure")
			return
		}
		writeJSON(w, http.StatusOK, f.desired)
	})
	mux.HandleFunc("POST /v1/resources/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.notFound {
			writeError(w, http.StatusNotFound, CodeNotFound, "unknown resource")
			return
		}
		var report StatusReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "bad report")
			return
		}
		f.reports = append(f.reports, report)
		writeJSON(w, http.StatusOK, StatusAck{Accepted: true})
	})
	return mux
}

func newTestAgent(t *testing.T, baseURL string, applier Applier) *Agent {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return NewAgent(
		NewClient(baseURL, 2*time.Second),
		applier,
		AgentConfig{ResourceID: "host-1", PollInterval: time.Hour},
		logger,
	)
}

func TestAgentAppliesAndReports(t *testing.T) {
	plane := &fakeControlPlane{
		desired: DesiredConfigResponse{
			ResourceID: "host-1",
			Lifecycle:  &ConfigEnvelope{Version: version.New(1), Config: []byte(`{"phase":"discovery"}`)},
		},
	}
	server := httptest.NewServer(plane.handler())
	defer server.Close()

	applier := &fakeApplier{healthy: true}
	agent := newTestAgent(t, server.URL, applier)

	agent.Round(context.Background())

	applier.mu.Lock()
	if len(applier.applies) != 1 || applier.applies[0].axis != version.AxisLifecycle {
		t.Fatalf("expected one lifecycle apply, got %+v", applier.applies)
	}
	applier.mu.Unlock()

	plane.mu.Lock()
	defer plane.mu.Unlock()
	if len(plane.reports) != 1 {
		t.Fatalf("expected one status report, got %d", len(plane.reports))
	}
	report := plane.reports[0]
	if !report.Healthy || report.Isolated {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.AppliedLifecycle == "" {
		t.Fatal("report must echo the applied lifecycle version")
	}
}

func TestAgentSkipsAlreadyAppliedVersion(t *testing.T) {
	plane := &fakeControlPlane{
		desired: DesiredConfigResponse{
			ResourceID: "host-1",
			Lifecycle:  &ConfigEnvelope{Version: version.New(1), Config: []byte(`{}`)},
		},
	}
	server := httptest.NewServer(plane.handler())
	defer server.Close()

	applier := &fakeApplier{healthy: true}
	agent := newTestAgent(t, server.URL, applier)

	agent.Round(context.Background())
	agent.Round(context.Background())

	applier.mu.Lock()
	defer applier.mu.Unlock()
	if len(applier.applies) != 1 {
		t.Fatalf("unchanged version must not be reapplied, got %d applies", len(applier.applies))
	}
}

func TestAgentIsolatesOnlyOnConfirmedNotFound(t *testing.T) {
	plane := &fakeControlPlane{notFound: true}
	server := httptest.NewServer(plane.handler())
	defer server.Close()

	applier := &fakeApplier{healthy: true}
	agent := newTestAgent(t, server.URL, applier)

	agent.Round(context.Background())

	applier.mu.Lock()
	defer applier.mu.Unlock()
	if applier.isolates != 1 {
		t.Fatalf("expected isolation on confirmed not found, got %d", applier.isolates)
	}
	if !agent.Isolated() {
		t.Fatal("agent must track its isolation")
	}
}

func TestAgentRetainsConfigOnTransientFailure(t *testing.T) {
	plane := &fakeControlPlane{
		desired: DesiredConfigResponse{
			ResourceID: "host-1",
			Lifecycle:  &ConfigEnvelope{Version: version.New(1), Config: []byte(`{}`)},
		},
	}
	server := httptest.NewServer(plane.handler())
	defer server.Close()

	applier := &fakeApplier{healthy: true}
	agent := newTestAgent(t, server.URL, applier)

	// Healthy round first.
	agent.Round(context.Background())

	// Control plane starts failing with a server error.
	plane.mu.Lock()
	plane.fetchErr = http.StatusInternalServerError
	plane.mu.Unlock()

	agent.Round(context.Background())

	applier.mu.Lock()
	isolates := applier.isolates
	applier.mu.Unlock()
	if isolates != 0 {
		t.Fatal("transient failure must never isolate")
	}
	if agent.Isolated() {
		t.Fatal("agent must not consider itself isolated")
	}
	if got := agent.Applied().Lifecycle.Number(); got != 1 {
		t.Fatalf("applied version must be retained, got %d", got)
	}

	// The agent still reports what it runs.
	plane.mu.Lock()
	defer plane.mu.Unlock()
	if len(plane.reports) != 2 {
		t.Fatalf("expected a report per round, got %d", len(plane.reports))
	}
}

func TestAgentLeavesIsolationWhenResourceReturns(t *testing.T) {
	plane := &fakeControlPlane{notFound: true}
	server := httptest.NewServer(plane.handler())
	defer server.Close()

	applier := &fakeApplier{healthy: true}
	agent := newTestAgent(t, server.URL, applier)

	agent.Round(context.Background())
	if !agent.Isolated() {
		t.Fatal("agent should be isolated")
	}

	plane.mu.Lock()
	plane.notFound = false
	plane.desired = DesiredConfigResponse{
		ResourceID: "host-1",
		Lifecycle:  &ConfigEnvelope{Version: version.New(1), Config: []byte(`{}`)},
	}
	plane.mu.Unlock()

	agent.Round(context.Background())
	if agent.Isolated() {
		t.Fatal("agent must leave isolation once the resource is known again")
	}
}
