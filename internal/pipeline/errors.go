package pipeline

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an engine error for retry and fallback decisions.
type Kind int

const (
	// KindUnknown covers errors with no recognizable cause. Treated as a
	// generic streaming failure.
	KindUnknown Kind = iota

	// KindQuota covers quota exhaustion and rate limiting. Never retried:
	// hammering a throttled API makes it worse.
	KindQuota

	// KindTimeout covers deadline expiry at any level.
	KindTimeout

	// KindConnection covers network and transport failures.
	KindConnection

	// KindResource covers engine-side resource exhaustion (memory, stream
	// limits).
	KindResource

	// KindAuth covers authentication and permission failures. Never
	// retried: credentials do not fix themselves mid-call.
	KindAuth

	// KindValidation covers malformed or rejected requests. Never retried:
	// the same input fails the same way.
	KindValidation
)

// String returns the classification label used in logs and fallback events.
func (k Kind) String() string {
	switch k {
	case KindQuota:
		return "api_quota"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection_quality"
	case KindResource:
		return "resource_limit"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "streaming_error"
	}
}

// Classify maps an error onto a [Kind]. gRPC status codes are authoritative;
// message substrings cover errors that arrive without one. Precedence when
// several substrings match: quota, timeout, connection, resource.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.ResourceExhausted:
			return KindQuota
		case codes.DeadlineExceeded:
			return KindTimeout
		case codes.Unavailable, codes.Aborted:
			return KindConnection
		case codes.Unauthenticated, codes.PermissionDenied:
			return KindAuth
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return KindValidation
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "quota", "rate limit", "too many requests"):
		return KindQuota
	case containsAny(msg, "timeout", "deadline"):
		return KindTimeout
	case containsAny(msg, "connection", "network", "unavailable", "broken pipe", "reset by peer"):
		return KindConnection
	case containsAny(msg, "resource", "memory", "out of"):
		return KindResource
	case containsAny(msg, "unauthenticated", "unauthorized", "permission", "credential"):
		return KindAuth
	case containsAny(msg, "invalid", "malformed", "unsupported"):
		return KindValidation
	}
	return KindUnknown
}

// Retryable reports whether err is transient. Auth, quota and validation
// failures are permanent; everything else is worth another attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindAuth, KindQuota, KindValidation:
		return false
	}
	return true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
