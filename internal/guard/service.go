package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// Resource types accepted by VerifyOwnership.
const (
	ResourceDocument = "document"
	ResourceProject  = "project"
)

// Service is the default Guard: API-key auth, ownership via the document
// store, per-user/per-project in-flight ceilings, sliding-window rate limits
// and abuse signals over Redis (with an in-process fallback when Redis is
// not configured).
type Service struct {
	cfg     common.GuardConfig
	docs    repository.DocumentRepository
	counter windowCounter
	log     *slog.Logger
}

// NewService builds the guard. Pass a nil redis client to use the in-process
// window counter.
func NewService(cfg common.GuardConfig, docs repository.DocumentRepository, rdb *redis.Client, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	var counter windowCounter
	if rdb != nil {
		counter = newRedisCounter(rdb)
	} else {
		counter = newMemoryCounter()
		log.Warn("guard running with in-process rate limiter; configure REDIS_URL for multi-node deployments")
	}
	return &Service{cfg: cfg, docs: docs, counter: counter, log: log}
}

// ValidateAuth resolves a bearer credential to a user. With no API keys
// configured (local development) every non-empty credential maps to the
// "dev" user; release mode refuses to start in that state.
func (s *Service) ValidateAuth(ctx context.Context, credential string) (AuthResult, error) {
	if credential == "" {
		return AuthResult{}, nil
	}
	if len(s.cfg.APIKeys) == 0 {
		return AuthResult{IsValid: true, UserID: "dev"}, nil
	}
	if userID, ok := s.cfg.APIKeys[credential]; ok {
		return AuthResult{IsValid: true, UserID: userID}, nil
	}
	_ = s.RecordSignal(ctx, "anonymous", SeverityHigh)
	return AuthResult{}, nil
}

func (s *Service) VerifyOwnership(ctx context.Context, userID, resourceType string, resourceID uuid.UUID) (bool, error) {
	switch resourceType {
	case ResourceDocument:
		doc, err := s.docs.Get(ctx, resourceID)
		if errors.Is(err, common.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if doc.OwnerID == userID {
			return true, nil
		}
		return s.projectAccess(ctx, userID, doc.ProjectID)
	case ResourceProject:
		return s.projectAccess(ctx, userID, resourceID)
	default:
		return false, fmt.Errorf("unknown resource type %q", resourceType)
	}
}

func (s *Service) projectAccess(ctx context.Context, userID string, projectID uuid.UUID) (bool, error) {
	p, err := s.docs.GetProject(ctx, projectID)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.OwnerID == userID {
		return true, nil
	}
	for _, m := range p.Members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// CheckConcurrentLimit caps simultaneous queued/processing documents for the
// user or the project, depending on kind.
func (s *Service) CheckConcurrentLimit(ctx context.Context, userID string, projectID uuid.UUID, kind string) (LimitResult, error) {
	var current, limit int
	var err error
	switch kind {
	case LimitKindUser:
		limit = s.cfg.UserConcurrentLimit
		current, err = s.docs.CountActiveByOwner(ctx, userID)
	case LimitKindProject:
		limit = s.cfg.ProjectConcurrentLimit
		current, err = s.docs.CountActiveByProject(ctx, projectID)
	default:
		return LimitResult{}, fmt.Errorf("unknown limit kind %q", kind)
	}
	if err != nil {
		return LimitResult{}, err
	}
	res := LimitResult{Allowed: limit <= 0 || current < limit, Current: current, Limit: limit}
	if !res.Allowed {
		s.log.Warn("concurrency ceiling hit", "kind", kind, "user_id", userID, "current", current, "limit", limit)
	}
	return res, nil
}

func (s *Service) CheckRateLimit(ctx context.Context, userID, bucket string) (RateResult, error) {
	limit := s.cfg.RateLimitPerMinute
	if limit <= 0 {
		return RateResult{Allowed: true, Remaining: 1}, nil
	}
	window := time.Minute
	key := fmt.Sprintf("inkwell:rate:%s:%s", bucket, userID)
	count, err := s.counter.Incr(ctx, key, window)
	if err != nil {
		return RateResult{}, common.WrapError(err, "rate limit check")
	}
	res := RateResult{
		Allowed:   count <= limit,
		Remaining: max(0, limit-count),
		ResetAt:   time.Now().Add(window),
	}
	if !res.Allowed {
		s.log.Warn("rate limit exceeded", "user_id", userID, "bucket", bucket, "count", count, "limit", limit)
	}
	return res, nil
}

// DetectAbusePatterns grades the volume of recent high/critical-severity
// signals into an action.
func (s *Service) DetectAbusePatterns(ctx context.Context, userID string) (AbuseAction, error) {
	threshold := s.cfg.AbuseBlockThreshold
	if threshold <= 0 {
		return AbuseNone, nil
	}
	key := fmt.Sprintf("inkwell:abuse:%s", userID)
	count, err := s.counter.Count(ctx, key, s.cfg.AbuseWindow)
	if err != nil {
		return AbuseNone, common.WrapError(err, "abuse check")
	}
	switch {
	case count >= threshold:
		return AbuseBlock, nil
	case count >= threshold/2 && threshold >= 2:
		return AbuseThrottle, nil
	case count > 0:
		return AbuseWarn, nil
	default:
		return AbuseNone, nil
	}
}

func (s *Service) RecordSignal(ctx context.Context, userID, severity string) error {
	if severity != SeverityHigh && severity != SeverityCritical {
		return nil
	}
	key := fmt.Sprintf("inkwell:abuse:%s", userID)
	_, err := s.counter.Incr(ctx, key, s.cfg.AbuseWindow)
	return err
}
