package grpc

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired checks if a field is non-empty.
// Returns gRPC InvalidArgument error if empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// =============================================================================
// ERROR BUILDERS
// =============================================================================
//
// Stable codes and messages across the service boundary, mirroring the
// JSON-RPC error table of the HTTP surface.

// InvalidArgument returns a gRPC InvalidArgument error.
// Use for malformed or missing required fields.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound returns a gRPC NotFound error.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// AlreadyExists returns a gRPC AlreadyExists error.
func AlreadyExists(resourceType string, cause error) error {
	return status.Errorf(codes.AlreadyExists, "%s: %v", resourceType, cause)
}

// Internal wraps an internal error with context.
// Use when kernel operations fail unexpectedly.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// ResourceExhausted returns an error for quota/limit violations.
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted,
		"%s limit exceeded: %s", resourceType, limit)
}

// Unauthenticated returns an error for a missing or rejected token.
func Unauthenticated(reason string) error {
	return status.Error(codes.Unauthenticated, reason)
}

func limitString(r *kernel.RateLimitResult) string {
	return fmt.Sprintf("%d/%d, retry after %.0fs", r.Current, r.Limit, r.RetryAfter)
}
