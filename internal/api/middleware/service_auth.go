// Package middleware provides HTTP middleware components for the Clubcore API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/clubcore-io/clubcore/internal/correlation"
	"github.com/clubcore-io/clubcore/internal/storage"
)

// publicEndpoints defines public endpoints that bypass authentication,
// throttling and rate limiting. These endpoints are accessible without
// service keys (e.g., K8s health probes, monitoring tools).
//
// Security note: Only health check endpoints should be in this map.
// Never add business logic endpoints to this bypass list.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup for health check endpoints.
//
// Security Warning: Never register business logic endpoints as public.
// Public endpoints are accessible without service keys and should only be
// used for K8s health probes and monitoring tools.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/ping")
//	middleware.RegisterPublicEndpoint("/health")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}
)

// Authentication error types for granular error handling.
var (
	// ErrMissingServiceKey is returned when no service key is provided in headers.
	ErrMissingServiceKey = errors.New("missing service key")

	// ErrInvalidServiceKey is returned for invalid service key format or not found.
	// Generic error prevents enumeration attacks.
	ErrInvalidServiceKey = errors.New("invalid service key")

	// ErrServiceKeyExpired is returned when the service key has expired.
	ErrServiceKeyExpired = errors.New("service key expired")

	// ErrServiceKeyInactive is returned when the service key is inactive (soft-deleted).
	ErrServiceKeyInactive = errors.New("service key inactive")
)

// extractServiceKey extracts the service key from request headers.
// It checks the X-Api-Key header first (primary), then falls back to
// Authorization: Bearer header (secondary).
//
// Returns (key, true) if found and valid, ("", false) otherwise.
//
// Security considerations:
// - Rejects keys containing newlines (header injection prevention)
// - Trims whitespace from keys
// - Case-sensitive "Bearer " prefix check
// - X-Api-Key takes precedence over Authorization header.
func extractServiceKey(r *http.Request) (string, bool) {
	// Primary: Check X-Api-Key header
	if serviceKey := r.Header.Get("X-Api-Key"); serviceKey != "" {
		return cleanServiceKey(serviceKey)
	}

	// Secondary: Check Authorization: Bearer header
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		// Check for "Bearer " prefix (note the space)
		if strings.HasPrefix(authHeader, "Bearer ") {
			// Extract token after "Bearer "
			token := strings.TrimPrefix(authHeader, "Bearer ")

			return cleanServiceKey(token)
		}
	}

	return "", false
}

// cleanServiceKey validates and cleans a service key header value.
// Returns (cleanedKey, true) if usable, ("", false) otherwise.
//
// Validation rules:
// - Rejects keys containing newlines (\r or \n) for header injection prevention
// - Trims leading/trailing whitespace
// - Rejects empty keys after trimming.
func cleanServiceKey(key string) (string, bool) {
	// Security: Reject keys containing newlines (header injection prevention)
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	// Trim whitespace
	key = strings.TrimSpace(key)

	// Reject empty keys
	if key == "" {
		return "", false
	}

	return key, true
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling standard errors.Is() and errors.As() behavior.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// Timing attack prevention: Perform dummy bcrypt comparison
// to maintain constant time.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// authenticateRequest performs service key authentication and validation.
// Returns the authenticated service key or an AuthError.
//
// Security considerations:
// - Timing attack prevention: Always performs full validation even if format is invalid
// - Constant-time comparison via storage.SecureCompare
// - Generic error messages to prevent enumeration
//
// Error handling:
// - Invalid format → ErrInvalidServiceKey (generic)
// - Key not found → ErrInvalidServiceKey (generic)
// - Inactive key → ErrServiceKeyInactive (specific)
// - Expired key → ErrServiceKeyExpired (specific)
//
// Logging:
// - All authentication failures logged at ERROR level for operational monitoring
// - Includes correlation_id and failure_type for filtering/aggregation.
func authenticateRequest(
	ctx context.Context,
	store storage.ServiceKeyStore,
	serviceKey string,
	logger *slog.Logger,
) (*storage.ServiceKey, error) {
	parsedKey, err := storage.ParseServiceKey(serviceKey)
	if err != nil {
		performDummyBcryptComparison()

		logger.Error("authentication failed: invalid key format",
			slog.String("error", err.Error()),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "format_validation"),
		)

		return nil, &AuthError{
			Type:    ErrInvalidServiceKey,
			Message: "Invalid or missing service key",
		}
	}

	foundKey, exists := store.FindByKey(ctx, parsedKey)
	if !exists {
		performDummyBcryptComparison()

		logger.Error("authentication failed: key not found",
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "key_not_found"),
		)

		return nil, &AuthError{
			Type:    ErrInvalidServiceKey,
			Message: "Invalid or missing service key",
		}
	}

	if !foundKey.Active {
		logger.Error("authentication failed: key inactive",
			slog.String("key_id", foundKey.ID),
			slog.String("service_id", foundKey.ServiceID),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "key_inactive"),
		)

		return nil, &AuthError{
			Type:    ErrServiceKeyInactive,
			Message: "Service key is inactive",
		}
	}

	if foundKey.ExpiresAt != nil && time.Now().After(*foundKey.ExpiresAt) {
		logger.Error("authentication failed: key expired",
			slog.String("key_id", foundKey.ID),
			slog.String("service_id", foundKey.ServiceID),
			slog.Time("expired_at", *foundKey.ExpiresAt),
			slog.String("correlation_id", GetCorrelationID(ctx)),
			slog.String("failure_type", "key_expired"),
		)

		return nil, &AuthError{
			Type:    ErrServiceKeyExpired,
			Message: "Service key has expired",
		}
	}

	return foundKey, nil
}

// AuthenticateService creates an authentication middleware that validates
// service keys and enriches request context with the caller's identity.
//
// The middleware:
// - Extracts service keys from X-Api-Key (primary) or Authorization: Bearer (fallback) headers
// - Validates key format and authenticity
// - Checks active status and expiration
// - Enriches request context with ServiceContext
// - Upgrades the correlation context with the authenticated principal
// - Returns RFC 7807 compliant error responses on failure
//
// Example usage:
//
//	store, _ := storage.NewPersistentKeyStore(conn)
//	logger := slog.Default()
//	authMiddleware := middleware.AuthenticateService(store, logger)
//	handler = authMiddleware(handler)
func AuthenticateService(store storage.ServiceKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check if this path bypasses authentication (public endpoints)
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			// Extract service key from headers
			serviceKey, found := extractServiceKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingServiceKey,
					Message: "Missing service key",
				})

				return
			}

			// Authenticate request
			authenticated, err := authenticateRequest(r.Context(), store, serviceKey, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			// Enrich context with the caller's identity
			serviceCtx := ServiceContext{
				ServiceID:   authenticated.ServiceID,
				Name:        authenticated.Name,
				Permissions: authenticated.Permissions,
				KeyID:       authenticated.ID,
				AuthTime:    time.Now(),
			}
			ctx := SetServiceContext(r.Context(), serviceCtx)

			// The correlation context was rooted before authentication ran;
			// upgrade it now that the principal is known so audit events and
			// log lines carry the caller.
			if rc, ok := correlation.FromContext(ctx); ok {
				ctx = correlation.WithContext(ctx, rc.WithUser(authenticated.ServiceID))
			}

			// Log successful authentication
			logger.Info("Service key authenticated",
				slog.String("service_id", serviceCtx.ServiceID),
				slog.String("key_id", serviceCtx.KeyID),
				slog.String("key", storage.MaskKey(authenticated.Key)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			// Continue to next handler with enriched context
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
// It maps authentication errors to appropriate HTTP status codes and logs the failure.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	// Map authentication error to HTTP status code
	var statusCode int

	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch {
		case errors.Is(authErr.Type, ErrMissingServiceKey):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrInvalidServiceKey):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrServiceKeyExpired):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrServiceKeyInactive):
			statusCode = http.StatusForbidden
		default:
			statusCode = http.StatusUnauthorized
		}
	} else {
		// Fallback for unexpected errors
		statusCode = http.StatusUnauthorized
	}

	// Log authentication failure (no sensitive data)
	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := err.Error()
	// Write RFC 7807 compliant error response
	if err := writeProblem(w, r, statusCode, detail, correlationID, nil); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.Any("error", err),
		)

		// Fallback to plain text if writeProblem fails
		http.Error(w, detail, statusCode)
	}
}

// writeProblem writes an RFC 7807 compliant error response without importing
// the api package. extras are extension members merged into the problem
// document (e.g. retryAfterSeconds on rate limit denials).
func writeProblem(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
	extras map[string]any,
) error {
	// Map status code to title
	var title string

	switch statusCode {
	case http.StatusBadRequest:
		title = "Bad Request"
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = http.StatusText(statusCode)
	}

	// Create RFC 7807 problem detail
	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://clubcore.io/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	for k, v := range extras {
		problem[k] = v
	}

	// Set proper content type and status code
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	// Write response
	return json.NewEncoder(w).Encode(problem)
}
