// Package guard implements admission control: the yes/no decision calls the
// orchestrator consults before letting new work into the queue. The worker's
// internal poll loop never goes through the guard; ownership is validated at
// enqueue time and frozen into the job payload.
package guard

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuthResult is the outcome of credential validation.
type AuthResult struct {
	IsValid bool
	UserID  string
}

// LimitResult reports a concurrency ceiling check.
type LimitResult struct {
	Allowed bool
	Current int
	Limit   int
}

// RateResult reports a sliding-window rate check.
type RateResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// AbuseAction is the recommended response to recent abuse signals.
type AbuseAction string

const (
	AbuseNone     AbuseAction = "none"
	AbuseWarn     AbuseAction = "warn"
	AbuseThrottle AbuseAction = "throttle"
	AbuseBlock    AbuseAction = "block"
)

// Signal severities recorded against a user.
const (
	SeverityLow      = "low"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Concurrency ceiling kinds.
const (
	LimitKindUser    = "user"
	LimitKindProject = "project"
)

// Rate-limit buckets, independent per logical action.
const (
	BucketEnqueue = "enqueue"
	BucketControl = "control"
)

// Guard is the decision surface the orchestrator depends on.
type Guard interface {
	ValidateAuth(ctx context.Context, credential string) (AuthResult, error)
	// VerifyOwnership checks direct ownership and team/share-based access.
	VerifyOwnership(ctx context.Context, userID, resourceType string, resourceID uuid.UUID) (bool, error)
	CheckConcurrentLimit(ctx context.Context, userID string, projectID uuid.UUID, kind string) (LimitResult, error)
	CheckRateLimit(ctx context.Context, userID, bucket string) (RateResult, error)
	DetectAbusePatterns(ctx context.Context, userID string) (AbuseAction, error)
	// RecordSignal feeds the abuse detector (repeated denials, suspicious
	// request shapes). Severities below high are ignored by detection.
	RecordSignal(ctx context.Context, userID, severity string) error
}
