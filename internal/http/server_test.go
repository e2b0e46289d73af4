package httpapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/governd/governd/internal/engine"
	"github.com/governd/governd/internal/host"
	"github.com/governd/governd/internal/runtime"
)

type fakeHost struct {
	summaries  []engine.Summary
	reports    map[string]runtime.Report
	processing []string
	refreshed  []string
	refreshAll int
}

func (f *fakeHost) Summaries() []engine.Summary { return f.summaries }

func (f *fakeHost) ConnectorReports() []runtime.Report {
	out := make([]runtime.Report, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r)
	}
	return out
}

func (f *fakeHost) ConnectorReport(id string) (runtime.Report, error) {
	r, ok := f.reports[id]
	if !ok {
		return runtime.Report{}, host.ErrUnknownConnector
	}
	return r, nil
}

func (f *fakeHost) ProcessingList() []string { return f.processing }

func (f *fakeHost) RefreshConnector(ctx context.Context, id string) error {
	if _, ok := f.reports[id]; !ok {
		return host.ErrUnknownConnector
	}
	f.refreshed = append(f.refreshed, id)
	return nil
}

func (f *fakeHost) RefreshConfig(ctx context.Context) error {
	f.refreshAll++
	return nil
}

func newTestServer() (*EchoServer, *fakeHost) {
	h := &fakeHost{
		summaries: []engine.Summary{
			{Name: "assetGovernance", GUID: "eng-1", Kind: engine.KindEngine, Status: engine.StatusRunning},
		},
		reports: map[string]runtime.Report{
			"svc-1": {ConnectorID: "svc-1", DisplayName: "polled", Status: runtime.StatusRunning},
		},
		processing: []string{"svc-1"},
	}
	return NewEchoServer(h), h
}

func do(t *testing.T, es *EchoServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	es.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	es, _ := newTestServer()
	rec := do(t, es, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	t.Parallel()

	es, _ := newTestServer()
	rec := do(t, es, http.MethodGet, "/api/v1/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Engines        []engine.Summary `json:"engines"`
		ProcessingList []string         `json:"processing_list"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Engines) != 1 || body.Engines[0].Name != "assetGovernance" {
		t.Fatalf("engines = %+v", body.Engines)
	}
	if len(body.ProcessingList) != 1 || body.ProcessingList[0] != "svc-1" {
		t.Fatalf("processing list = %v", body.ProcessingList)
	}
}

func TestConnectorEndpoint(t *testing.T) {
	t.Parallel()

	es, _ := newTestServer()
	rec := do(t, es, http.MethodGet, "/api/v1/connectors/svc-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var report runtime.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.ConnectorID != "svc-1" || report.Status != runtime.StatusRunning {
		t.Fatalf("report = %+v", report)
	}

	rec = do(t, es, http.MethodGet, "/api/v1/connectors/absent")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown id = %d, want 404", rec.Code)
	}
}

func TestConnectorRefreshEndpoint(t *testing.T) {
	t.Parallel()

	es, h := newTestServer()
	rec := do(t, es, http.MethodPost, "/api/v1/connectors/svc-1/refresh")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(h.refreshed) != 1 || h.refreshed[0] != "svc-1" {
		t.Fatalf("refreshed = %v", h.refreshed)
	}

	rec = do(t, es, http.MethodPost, "/api/v1/connectors/absent/refresh")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unknown id = %d, want 404", rec.Code)
	}
}

func TestFullRefreshEndpoint(t *testing.T) {
	t.Parallel()

	es, h := newTestServer()
	rec := do(t, es, http.MethodPost, "/api/v1/refresh")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if h.refreshAll != 1 {
		t.Fatalf("refresh count = %d, want 1", h.refreshAll)
	}
}
