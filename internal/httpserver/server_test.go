package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/commandpost/decision-impact/internal/analysis"
	"github.com/commandpost/decision-impact/internal/auth"
	"github.com/commandpost/decision-impact/internal/config"
	"github.com/commandpost/decision-impact/internal/models"
	"github.com/commandpost/decision-impact/internal/monitor"
	"github.com/commandpost/decision-impact/internal/service"
	"github.com/commandpost/decision-impact/internal/store"
	"github.com/commandpost/decision-impact/internal/tracking"
)

const debugToken = "test-debug-token"

func newHTTPTestServer(t *testing.T) (*service.Service, http.Handler) {
	t.Helper()
	cfg := config.Config{
		AllowDebugToken: true,
		DebugToken:      debugToken,
	}
	st := store.NewMemoryStore()
	svc := service.New(st, analysis.New(analysis.Config{}), tracking.New(tracking.Config{}), monitor.New(monitor.Config{}))
	if err := svc.SeedDimensions(context.Background()); err != nil {
		t.Fatalf("seed dimensions: %v", err)
	}
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return svc, New(cfg, st, svc, verifier).Router()
}

func doRequest(router http.Handler, method, path string, body []byte, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authed {
		req.Header.Set("X-Debug-Token", debugToken)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decisionBody() []byte {
	consequenceID := uuid.New()
	body := map[string]interface{}{
		"title":   "reroute convoy",
		"urgency": "high",
		"options": []map[string]interface{}{
			{
				"id":    "opt-north",
				"label": "Northern corridor",
				"timeline": map[string]interface{}{
					"executionHours":   4,
					"firstImpactHours": 8,
					"fullImpactHours":  48,
				},
				"consequences": []map[string]interface{}{{
					"id":          consequenceID.String(),
					"description": "faster resupply",
					"type":        "positive",
					"domain":      "logistics",
					"impactScore": 12,
					"likelihood":  0.8,
				}},
			},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func createDecision(t *testing.T, router http.Handler) models.Decision {
	t.Helper()
	rec := doRequest(router, "POST", "/decisions/", decisionBody(), false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create decision: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var d models.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	return d
}

func selectOption(t *testing.T, router http.Handler, decisionID uuid.UUID) models.DecisionTracking {
	t.Helper()
	rec := doRequest(router, "POST", fmt.Sprintf("/decisions/%s/select", decisionID),
		[]byte(`{"optionId":"opt-north"}`), false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("select option: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var tr models.DecisionTracking
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode tracking: %v", err)
	}
	return tr
}

func TestCreateDecisionRejectsMalformed(t *testing.T) {
	_, router := newHTTPTestServer(t)

	rec := doRequest(router, "POST", "/decisions/", []byte(`{"title":""}`), false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp["code"] != "DECISION_IMPACT_BAD_REQUEST" {
		t.Fatalf("code = %q, want DECISION_IMPACT_BAD_REQUEST", resp["code"])
	}
}

func TestCreateAndGetDecision(t *testing.T) {
	_, router := newHTTPTestServer(t)
	d := createDecision(t, router)

	rec := doRequest(router, "GET", fmt.Sprintf("/decisions/%s", d.ID), nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get decision: expected 200, got %d", rec.Code)
	}
	var got models.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Title != "reroute convoy" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestGetDecisionNotFound(t *testing.T) {
	_, router := newHTTPTestServer(t)
	rec := doRequest(router, "GET", fmt.Sprintf("/decisions/%s", uuid.New()), nil, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestAnalysisEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t)
	d := createDecision(t, router)

	rec := doRequest(router, "POST", fmt.Sprintf("/decisions/%s/analysis", d.ID), nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result models.DecisionAnalysis
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if result.RecommendedOptionID != "opt-north" {
		t.Fatalf("recommended = %q, want opt-north", result.RecommendedOptionID)
	}
}

func TestSelectThenObserveFlow(t *testing.T) {
	_, router := newHTTPTestServer(t)
	d := createDecision(t, router)
	tr := selectOption(t, router, d.ID)

	consequenceID := d.Options[0].Consequences[0].ID
	obs := fmt.Sprintf(`{"consequenceId":%q,"observationVersion":1,"actualImpactScore":10,"outcomeStatus":"complete"}`, consequenceID)
	rec := doRequest(router, "POST", fmt.Sprintf("/trackings/%s/observations", tr.ID), []byte(obs), false)
	if rec.Code != http.StatusOK {
		t.Fatalf("observation: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var updated models.DecisionTracking
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode tracking: %v", err)
	}
	if updated.ActualScore != 10 {
		t.Fatalf("actualScore = %v, want 10", updated.ActualScore)
	}
	if updated.Status != models.TrackingComplete {
		t.Fatalf("status = %q, want complete", updated.Status)
	}
}

func TestOutOfOrderObservationConflicts(t *testing.T) {
	_, router := newHTTPTestServer(t)
	d := createDecision(t, router)
	tr := selectOption(t, router, d.ID)
	consequenceID := d.Options[0].Consequences[0].ID

	obs := func(version int, score float64) []byte {
		return []byte(fmt.Sprintf(`{"consequenceId":%q,"observationVersion":%d,"actualImpactScore":%v,"outcomeStatus":"complete"}`,
			consequenceID, version, score))
	}
	if rec := doRequest(router, "POST", fmt.Sprintf("/trackings/%s/observations", tr.ID), obs(5, 10), false); rec.Code != http.StatusOK {
		t.Fatalf("v5: expected 200, got %d", rec.Code)
	}
	rec := doRequest(router, "POST", fmt.Sprintf("/trackings/%s/observations", tr.ID), obs(2, 3), false)
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale version: expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp["code"] != "DECISION_IMPACT_CONFLICT" {
		t.Fatalf("code = %q, want DECISION_IMPACT_CONFLICT", resp["code"])
	}
}

func TestCloseRequiresReviewerAuth(t *testing.T) {
	_, router := newHTTPTestServer(t)
	d := createDecision(t, router)
	tr := selectOption(t, router, d.ID)
	consequenceID := d.Options[0].Consequences[0].ID

	obs := fmt.Sprintf(`{"consequenceId":%q,"observationVersion":1,"actualImpactScore":11,"outcomeStatus":"complete"}`, consequenceID)
	if rec := doRequest(router, "POST", fmt.Sprintf("/trackings/%s/observations", tr.ID), []byte(obs), false); rec.Code != http.StatusOK {
		t.Fatalf("observation: expected 200, got %d", rec.Code)
	}

	rec := doRequest(router, "POST", fmt.Sprintf("/trackings/%s/close", tr.ID), nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated close: expected 401, got %d", rec.Code)
	}

	rec = doRequest(router, "POST", fmt.Sprintf("/trackings/%s/close", tr.ID), nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated close: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var closed models.DecisionTracking
	if err := json.Unmarshal(rec.Body.Bytes(), &closed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if closed.Status != models.TrackingClosed {
		t.Fatalf("status = %q, want closed", closed.Status)
	}
}

func TestRootCauseEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t)
	d := createDecision(t, router)
	tr := selectOption(t, router, d.ID)
	consequenceID := d.Options[0].Consequences[0].ID

	// Observation far off the prediction raises a discrepancy.
	obs := fmt.Sprintf(`{"consequenceId":%q,"observationVersion":1,"actualImpactScore":0.5,"outcomeStatus":"complete"}`, consequenceID)
	rec := doRequest(router, "POST", fmt.Sprintf("/trackings/%s/observations", tr.ID), []byte(obs), false)
	if rec.Code != http.StatusOK {
		t.Fatalf("observation: expected 200, got %d", rec.Code)
	}
	var reviewed models.DecisionTracking
	if err := json.Unmarshal(rec.Body.Bytes(), &reviewed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reviewed.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(reviewed.Discrepancies))
	}

	body := fmt.Sprintf(`{"discrepancyId":%q,"rootCause":"road damage not in terrain model","recommendation":"add engineer recon"}`,
		reviewed.Discrepancies[0].ID)
	rec = doRequest(router, "POST", fmt.Sprintf("/trackings/%s/root-cause", tr.ID), []byte(body), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("root cause: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resolved models.DecisionTracking
	if err := json.Unmarshal(rec.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resolved.Status != models.TrackingComplete {
		t.Fatalf("status = %q, want complete after review", resolved.Status)
	}
	if len(resolved.Learnings) == 0 {
		t.Fatal("root cause must distill a learning")
	}
}

func TestMonitorsEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t)
	d := createDecision(t, router)
	tr := selectOption(t, router, d.ID)
	consequenceID := d.Options[0].Consequences[0].ID

	obs := fmt.Sprintf(`{"consequenceId":%q,"observationVersion":1,"actualImpactScore":9,"outcomeStatus":"complete"}`, consequenceID)
	if rec := doRequest(router, "POST", fmt.Sprintf("/trackings/%s/observations", tr.ID), []byte(obs), false); rec.Code != http.StatusOK {
		t.Fatalf("observation: expected 200, got %d", rec.Code)
	}

	rec := doRequest(router, "GET", "/impact/monitors?dimension=logistics", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("monitors: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Monitors []models.DecisionImpactMonitor `json:"monitors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode monitors: %v", err)
	}
	if len(resp.Monitors) != 1 || resp.Monitors[0].NetImpact != 9 {
		t.Fatalf("expected logistics netImpact 9, got %+v", resp.Monitors)
	}

	rec = doRequest(router, "GET", "/impact/monitors?dimension=morale", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown dimension: expected 404, got %d", rec.Code)
	}
}

func TestUpsertDimensionEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t)

	body := []byte(`{"baseline":55,"currentScore":55,"threshold":30,"lowerIsWorse":true}`)
	rec := doRequest(router, "PUT", "/dimensions/morale", body, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var d models.DimensionConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode dimension: %v", err)
	}
	if d.Name != "morale" || d.Baseline != 55 {
		t.Fatalf("dimension = %+v", d)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t)
	rec := doRequest(router, "GET", "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if ok, _ := status["ok"].(bool); !ok {
		t.Fatalf("health not ok: %v", status)
	}
	if _, err := time.Parse(time.RFC3339Nano, status["time"].(string)); err != nil {
		t.Fatalf("health time not RFC3339: %v", err)
	}
}
