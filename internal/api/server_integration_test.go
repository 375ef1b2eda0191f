// Package api provides HTTP API server implementation for the Clubcore service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"

	"github.com/clubcore-io/clubcore/internal/api/middleware"
	"github.com/clubcore-io/clubcore/internal/config"
	"github.com/clubcore-io/clubcore/internal/events"
	"github.com/clubcore-io/clubcore/internal/idempotency"
	"github.com/clubcore-io/clubcore/internal/ratelimit"
	"github.com/clubcore-io/clubcore/internal/storage"
)

// integrationHarness wires a full server against a real PostgreSQL container:
// persistent key store, postgres-backed rate limit windows and idempotency
// records, and the durable audit store.
type integrationHarness struct {
	server     *Server
	auditStore *events.Store
	serviceKey string
}

func setupIntegrationServer(t *testing.T) *integrationHarness {
	t.Helper()

	ctx := context.Background()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()

		if err := testcontainers.TerminateContainer(testDB.Container); err != nil {
			t.Errorf("Failed to terminate postgres container: %v", err)
		}
	})

	conn, err := storage.NewConnectionFromDB(testDB.Connection)
	if err != nil {
		t.Fatalf("Failed to wrap connection: %v", err)
	}

	keyStore, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("Failed to create key store: %v", err)
	}

	serviceKey, err := storage.GenerateServiceKey("membership-service")
	if err != nil {
		t.Fatalf("Failed to generate service key: %v", err)
	}

	if err := keyStore.Add(ctx, &storage.ServiceKey{
		ID:          uuid.New().String(),
		Key:         serviceKey,
		ServiceID:   "membership-service",
		Name:        "Membership Service",
		Permissions: []string{"audit:write", "audit:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	}); err != nil {
		t.Fatalf("Failed to add service key: %v", err)
	}

	windowStore, err := ratelimit.NewPostgresStore(conn, ratelimit.DefaultSweepInterval)
	if err != nil {
		t.Fatalf("Failed to create window store: %v", err)
	}

	t.Cleanup(func() { _ = windowStore.Close() })

	limiter, err := ratelimit.NewLimiter(windowStore)
	if err != nil {
		t.Fatalf("Failed to create limiter: %v", err)
	}

	recordStore, err := idempotency.NewPostgresStore(conn, idempotency.DefaultSweepInterval)
	if err != nil {
		t.Fatalf("Failed to create record store: %v", err)
	}

	t.Cleanup(func() { _ = recordStore.Close() })

	executor, err := idempotency.NewExecutor(recordStore, idempotency.DefaultRetention)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	auditStore, err := events.NewStore(conn)
	if err != nil {
		t.Fatalf("Failed to create audit store: %v", err)
	}

	server := NewServer(testServerConfig(), Dependencies{
		KeyStore:   keyStore,
		Limiter:    limiter,
		Executor:   executor,
		AuditStore: auditStore,
	})

	return &integrationHarness{
		server:     server,
		auditStore: auditStore,
		serviceKey: serviceKey,
	}
}

// TestServiceAuthenticationIntegration tests the complete authentication flow
// with a real HTTP handler chain and database-backed key store.
func TestServiceAuthenticationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	harness := setupIntegrationServer(t)

	t.Run("Successful Authentication with X-Api-Key Header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/status", nil)
		req.Header.Set("X-Api-Key", harness.serviceKey)
		req.Header.Set("X-Forwarded-For", "198.51.100.10")

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
		}

		// Verify correlation ID header is set
		if correlationID := rr.Header().Get("X-Correlation-ID"); correlationID == "" {
			t.Error("Expected X-Correlation-ID header to be set")
		}
	})

	t.Run("Successful Authentication with Authorization Bearer Header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/status", nil)
		req.Header.Set("Authorization", "Bearer "+harness.serviceKey)
		req.Header.Set("X-Forwarded-For", "198.51.100.11")

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
		}
	})

	t.Run("Missing Service Key Returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/status", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.12")

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status %d, got %d. Body: %s", http.StatusUnauthorized, rr.Code, rr.Body.String())
		}

		// Verify RFC 7807 error response
		var errorResp map[string]interface{}
		if err := json.Unmarshal(rr.Body.Bytes(), &errorResp); err != nil {
			t.Fatalf("Failed to parse error response: %v", err)
		}

		for _, field := range []string{"type", "title", "status", "detail", "correlationId"} {
			if errorResp[field] == nil {
				t.Errorf("Expected RFC 7807 %q field in error response", field)
			}
		}
	})

	t.Run("Invalid Service Key Returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/status", nil)
		req.Header.Set("X-Api-Key", "clubcore_sk_"+strings.Repeat("0", 64))
		req.Header.Set("X-Forwarded-For", "198.51.100.13")

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status %d, got %d. Body: %s", http.StatusUnauthorized, rr.Code, rr.Body.String())
		}
	})

	t.Run("Inactive Service Key Returns 403", func(t *testing.T) {
		inactiveKey, err := storage.GenerateServiceKey("retired-service")
		if err != nil {
			t.Fatalf("Failed to generate inactive service key: %v", err)
		}

		if err := harness.server.keyStore.Add(ctx, &storage.ServiceKey{
			ID:          uuid.New().String(),
			Key:         inactiveKey,
			ServiceID:   "retired-service",
			Name:        "Retired Service",
			Permissions: []string{"audit:write"},
			CreatedAt:   time.Now(),
			Active:      false, // Inactive
		}); err != nil {
			t.Fatalf("Failed to add inactive service key: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/status", nil)
		req.Header.Set("X-Api-Key", inactiveKey)
		req.Header.Set("X-Forwarded-For", "198.51.100.14")

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("Expected status %d, got %d. Body: %s", http.StatusForbidden, rr.Code, rr.Body.String())
		}
	})

	t.Run("Expired Service Key Returns 401", func(t *testing.T) {
		expiredKey, err := storage.GenerateServiceKey("legacy-service")
		if err != nil {
			t.Fatalf("Failed to generate expired service key: %v", err)
		}

		expiredTime := time.Now().Add(-1 * time.Hour)

		if err := harness.server.keyStore.Add(ctx, &storage.ServiceKey{
			ID:          uuid.New().String(),
			Key:         expiredKey,
			ServiceID:   "legacy-service",
			Name:        "Legacy Service",
			Permissions: []string{"audit:write"},
			CreatedAt:   time.Now().Add(-2 * time.Hour),
			ExpiresAt:   &expiredTime, // Expired 1 hour ago
			Active:      true,
		}); err != nil {
			t.Fatalf("Failed to add expired service key: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/status", nil)
		req.Header.Set("X-Api-Key", expiredKey)
		req.Header.Set("X-Forwarded-For", "198.51.100.15")

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status %d, got %d. Body: %s", http.StatusUnauthorized, rr.Code, rr.Body.String())
		}
	})

	t.Run("Health Endpoints Work Without Authentication", func(t *testing.T) {
		endpoints := []string{"/ping", "/ready", "/health"}

		for _, endpoint := range endpoints {
			req := httptest.NewRequest(http.MethodGet, endpoint, nil)

			rr := httptest.NewRecorder()
			harness.server.httpServer.Handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("Endpoint %s: Expected status %d, got %d. Body: %s",
					endpoint, http.StatusOK, rr.Code, rr.Body.String())
			}
		}
	})
}

// TestAuditReplayIntegration verifies end-to-end idempotent replay: a retried
// ingestion request is served from the durable record without re-storing the
// audit events.
func TestAuditReplayIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	harness := setupIntegrationServer(t)

	entityID := uuid.New().String()
	body := `[{
		"type": "membership.renewed",
		"actor": "staff:17",
		"entityType": "membership",
		"entityId": "` + entityID + `",
		"payload": {"plan": "platinum", "months": 12}
	}]`

	send := func(t *testing.T) *httptest.ResponseRecorder {
		t.Helper()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", harness.serviceKey)
		req.Header.Set("X-Forwarded-For", "198.51.100.20")
		req.Header.Set("Idempotency-Key", uuid.NewString())

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		return rr
	}

	// Both calls must carry the same idempotency key, so fix it up front
	idempotencyKey := uuid.NewString()

	sendWithKey := func(t *testing.T) *httptest.ResponseRecorder {
		t.Helper()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", harness.serviceKey)
		req.Header.Set("X-Forwarded-For", "198.51.100.20")
		req.Header.Set("Idempotency-Key", idempotencyKey)

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		return rr
	}

	first := sendWithKey(t)
	if first.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, first.Code, first.Body.String())
	}

	if first.Header().Get("Idempotency-Replayed") != "" {
		t.Error("First execution must not carry the replay header")
	}

	second := sendWithKey(t)
	if second.Code != http.StatusOK {
		t.Fatalf("Expected replay status %d, got %d. Body: %s", http.StatusOK, second.Code, second.Body.String())
	}

	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Error("Expected Idempotency-Replayed header on retry")
	}

	originalTimestamp := second.Header().Get("Idempotency-Original-Timestamp")
	if originalTimestamp == "" {
		t.Error("Expected Idempotency-Original-Timestamp header on retry")
	} else if _, err := time.Parse(time.RFC3339, originalTimestamp); err != nil {
		t.Errorf("Original timestamp %q is not RFC3339: %v", originalTimestamp, err)
	}

	if second.Body.String() != first.Body.String() {
		t.Errorf("Replay body differs from original.\nfirst:  %s\nsecond: %s",
			first.Body.String(), second.Body.String())
	}

	// The event must be stored exactly once
	recent, err := harness.auditStore.ListRecent(ctx, events.MaxListLimit)
	if err != nil {
		t.Fatalf("Failed to list audit events: %v", err)
	}

	stored := 0

	for _, event := range recent {
		if event.EntityID == entityID {
			stored++
		}
	}

	if stored != 1 {
		t.Errorf("Expected exactly 1 stored event for entity %s, got %d", entityID, stored)
	}

	// A different idempotency key executes fresh
	third := send(t)
	if third.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, third.Code, third.Body.String())
	}

	if third.Header().Get("Idempotency-Replayed") != "" {
		t.Error("A new idempotency key must not be served a replay")
	}
}

// TestRateLimitEnforcementIntegration verifies fixed-window enforcement
// through the full middleware chain against postgres-backed counters.
func TestRateLimitEnforcementIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := setupIntegrationServer(t)

	// Pin the introspection route to the strict tier (5 per window) so the
	// limit is reachable without dozens of requests.
	middleware.RegisterRouteScope("GET /api/v1/ratelimit/status", ratelimit.Strict())

	clientIP := "198.51.100.30"
	strict := ratelimit.Strict()

	send := func(t *testing.T) *httptest.ResponseRecorder {
		t.Helper()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/ratelimit/status", nil)
		req.Header.Set("X-Api-Key", harness.serviceKey)
		req.Header.Set("X-Forwarded-For", clientIP)

		rr := httptest.NewRecorder()
		harness.server.httpServer.Handler.ServeHTTP(rr, req)

		return rr
	}

	for i := 1; i <= strict.Limit; i++ {
		rr := send(t)

		if rr.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status %d, got %d. Body: %s",
				i, http.StatusOK, rr.Code, rr.Body.String())
		}

		if limit := rr.Header().Get("X-RateLimit-Limit"); limit == "" {
			t.Errorf("Request %d: expected X-RateLimit-Limit header", i)
		}
	}

	// One past the limit is denied
	rr := send(t)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status %d, got %d. Body: %s",
			http.StatusTooManyRequests, rr.Code, rr.Body.String())
	}

	if remaining := rr.Header().Get("X-RateLimit-Remaining"); remaining != "0" {
		t.Errorf("Expected X-RateLimit-Remaining %q, got %q", "0", remaining)
	}

	if retryAfter := rr.Header().Get("Retry-After"); retryAfter == "" {
		t.Error("Expected Retry-After header on denial")
	}

	var problem map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &problem); err != nil {
		t.Fatalf("Failed to parse problem response: %v", err)
	}

	if problem["status"] != float64(http.StatusTooManyRequests) {
		t.Errorf("Expected problem status %d, got %v", http.StatusTooManyRequests, problem["status"])
	}

	if problem["scope"] != ratelimit.ScopeStrict {
		t.Errorf("Expected problem scope %q, got %v", ratelimit.ScopeStrict, problem["scope"])
	}

	retrySeconds, ok := problem["retryAfterSeconds"].(float64)
	if !ok {
		t.Fatalf("Expected numeric retryAfterSeconds, got %v", problem["retryAfterSeconds"])
	}

	windowSeconds := strict.Window.Seconds()
	if retrySeconds < 1 || retrySeconds > windowSeconds {
		t.Errorf("Expected retryAfterSeconds in [1, %v], got %v", windowSeconds, retrySeconds)
	}
}

// TestAuditTrailCorrelationIntegration verifies that an inbound correlation
// ID survives ingestion and reconstructs the request chain on query.
func TestAuditTrailCorrelationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := setupIntegrationServer(t)

	chainID := uuid.New().String()
	body := `[
		{"type":"booking.created","actor":"member:204","entityType":"booking","entityId":"` + uuid.New().String() + `"},
		{"type":"booking.confirmed","actor":"system","entityType":"booking","entityId":"` + uuid.New().String() + `"}
	]`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", harness.serviceKey)
	req.Header.Set("X-Forwarded-For", "198.51.100.40")
	req.Header.Set("X-Correlation-ID", chainID)

	rr := httptest.NewRecorder()
	harness.server.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var ingestion AuditResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ingestion); err != nil {
		t.Fatalf("Failed to parse audit response: %v", err)
	}

	// Well-formed inbound correlation IDs are honored, not replaced
	if ingestion.CorrelationID != chainID {
		t.Errorf("Expected correlation ID %q, got %q", chainID, ingestion.CorrelationID)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events?correlationId="+chainID, nil)
	listReq.Header.Set("X-Api-Key", harness.serviceKey)
	listReq.Header.Set("X-Forwarded-For", "198.51.100.41")

	listRR := httptest.NewRecorder()
	harness.server.httpServer.Handler.ServeHTTP(listRR, listReq)

	if listRR.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, listRR.Code, listRR.Body.String())
	}

	var list AuditListResponse
	if err := json.Unmarshal(listRR.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse list response: %v", err)
	}

	if list.Count != 2 {
		t.Fatalf("Expected 2 events in chain, got %d. Body: %s", list.Count, listRR.Body.String())
	}

	// Each stored event carries the chain's correlation ID and its own
	// causation ID
	causations := make(map[string]bool, len(list.Events))

	for _, event := range list.Events {
		if event.CorrelationID != chainID {
			t.Errorf("Event %s has correlation ID %q, want %q", event.ID, event.CorrelationID, chainID)
		}

		if event.CausationID == "" {
			t.Errorf("Event %s is missing a causation ID", event.ID)
		}

		causations[event.CausationID] = true
	}

	if len(causations) != 2 {
		t.Errorf("Expected distinct causation IDs per event, got %d unique", len(causations))
	}
}
