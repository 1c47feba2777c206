package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/splitbeam/splitbeam/internal/assign"
	"github.com/splitbeam/splitbeam/internal/ingest"
	"github.com/splitbeam/splitbeam/internal/metrics"
	"github.com/splitbeam/splitbeam/internal/store"
)

type AssignResponse struct {
	VariantID    string `json:"variantId"`
	VariantToken string `json:"variantToken,omitempty"`
	Excluded     bool   `json:"excluded"`
}

// handleAssign serves the storefront rendering layer and the cart-attribute
// bridge. It sits on the request path: one assignment read, at most one
// insert-if-absent write.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	testID := q.Get("testId")
	visitorID := q.Get("visitorId")
	if testID == "" || visitorID == "" {
		http.Error(w, "testId and visitorId are required", http.StatusBadRequest)
		return
	}

	test, err := s.store.GetTest(r.Context(), s.tenant(r), testID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "test not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	opts := assign.Options{Device: q.Get("device")}
	if raw := q.Get("covariateCents"); raw != "" {
		if cents, err := strconv.ParseInt(raw, 10, 64); err == nil {
			opts.CovariateCents = &cents
		}
	}

	result, err := s.assigner.Assign(r.Context(), test, visitorID, opts)
	if errors.Is(err, assign.ErrNotRunning) {
		http.Error(w, "test is not running", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	switch {
	case result.Fallback:
		metrics.AssignmentsServed.WithLabelValues("fallback").Inc()
	case result.Excluded:
		metrics.AssignmentsServed.WithLabelValues("excluded").Inc()
	default:
		metrics.AssignmentsServed.WithLabelValues("assigned").Inc()
	}

	resp := AssignResponse{VariantID: result.VariantID, Excluded: result.Excluded}
	if result.Variant != nil {
		resp.VariantToken = assign.ForTestType(test.Type).VariantToken(test, result.Variant)
	}
	writeJSON(w, http.StatusOK, resp)
}

type EventRequest struct {
	TestID            string `json:"testId"`
	VisitorID         string `json:"visitorId"`
	EventType         string `json:"eventType"`
	Metric            string `json:"metric,omitempty"`
	OrderID           string `json:"orderId,omitempty"`
	ValueCents        int64  `json:"valueCents,omitempty"`
	ShippingLineTitle string `json:"shippingLineTitle,omitempty"`
}

type EventResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// handleEvents accepts events from storefront tracking code and order
// webhook handlers. Drops and duplicates return 200 with accepted=false:
// webhook retries must not see errors for expected conditions.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	test, err := s.store.GetTest(r.Context(), s.tenant(r), req.TestID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "test not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	result, err := s.ingestor.Record(r.Context(), test, ingest.Request{
		TestID:            req.TestID,
		VisitorID:         req.VisitorID,
		Type:              store.EventType(req.EventType),
		Metric:            req.Metric,
		ValueCents:        req.ValueCents,
		OrderID:           req.OrderID,
		ShippingLineTitle: req.ShippingLineTitle,
	})
	if errors.Is(err, ingest.ErrInvalidEvent) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := EventResponse{Accepted: result.Accepted(), Reason: result.Reason}
	if result.Outcome == ingest.Duplicate {
		// Idempotent no-op; callers treat it as success.
		resp.Accepted = true
		resp.Reason = "duplicate"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResults serves the latest result snapshot for the admin dashboard.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("id")

	payload, computedAt, err := s.store.LatestResultSnapshot(r.Context(), s.tenant(r), testID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no results yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Last-Modified", computedAt.UTC().Format(http.TimeFormat))
	w.Write(payload)
}

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	DBSizeBytes   int64  `json:"db_size_bytes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tests, err := s.store.ListRunningTests(r.Context())
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var dbSize int64
	row := s.store.DB().QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	_ = row.Scan(&dbSize)

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    len(tests),
		DBSizeBytes:   dbSize,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
