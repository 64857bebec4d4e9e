package types

import (
	"strings"
	"time"
)

// EmailType classifies a send. MARKETING sends honour opt-outs.
type EmailType string

const (
	EmailTypeTransactional EmailType = "TRANSACTIONAL"
	EmailTypeMarketing     EmailType = "MARKETING"
	EmailTypeSecurity      EmailType = "SECURITY"
	EmailTypeOnboarding    EmailType = "ONBOARDING"
	EmailTypeTest          EmailType = "TEST"
)

// Valid reports whether t is a known email type.
func (t EmailType) Valid() bool {
	switch t {
	case EmailTypeTransactional, EmailTypeMarketing, EmailTypeSecurity, EmailTypeOnboarding, EmailTypeTest:
		return true
	}
	return false
}

// ProviderKind identifies an email provider implementation.
type ProviderKind string

const (
	ProviderSMTP     ProviderKind = "SMTP"
	ProviderResend   ProviderKind = "RESEND"
	ProviderPostmark ProviderKind = "POSTMARK"
	ProviderSES      ProviderKind = "AWS_SES"
)

// AllProviderKinds lists every supported provider.
var AllProviderKinds = []ProviderKind{ProviderSMTP, ProviderResend, ProviderPostmark, ProviderSES}

// ParseProviderKind accepts the canonical names plus the lower-case path
// segments used by webhook routes ("resend", "postmark", "ses", "aws-ses", "smtp").
func ParseProviderKind(s string) (ProviderKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "smtp":
		return ProviderSMTP, true
	case "resend":
		return ProviderResend, true
	case "postmark":
		return ProviderPostmark, true
	case "aws_ses", "aws-ses", "ses":
		return ProviderSES, true
	}
	return "", false
}

// JobStatus is the lifecycle state of an OutboundEmailJob.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSent       JobStatus = "SENT"
	JobStatusFailed     JobStatus = "FAILED"
)

// CanTransitionTo reports whether moving from s to next is allowed.
// SENT is terminal. FAILED may re-enter PROCESSING for a retry and
// PROCESSING may re-enter itself when a crashed attempt is redelivered.
// PENDING goes straight to FAILED only when the job never reached the queue.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusProcessing || next == JobStatusSent || next == JobStatusFailed
	case JobStatusFailed:
		return next == JobStatusProcessing
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSent
}

// EventType is the canonical delivery event vocabulary shared by all providers.
type EventType string

const (
	EventSent        EventType = "SENT"
	EventDelivered   EventType = "DELIVERED"
	EventDelayed     EventType = "DELAYED"
	EventBounce      EventType = "BOUNCE"
	EventComplaint   EventType = "COMPLAINT"
	EventOpen        EventType = "OPEN"
	EventClick       EventType = "CLICK"
	EventUnsubscribe EventType = "UNSUBSCRIBE"
)

// Valid reports whether e is part of the canonical vocabulary.
func (e EventType) Valid() bool {
	switch e {
	case EventSent, EventDelivered, EventDelayed, EventBounce, EventComplaint, EventOpen, EventClick, EventUnsubscribe:
		return true
	}
	return false
}

// BounceType classifies a bounce.
type BounceType string

const (
	BounceHard      BounceType = "HARD"
	BounceSoft      BounceType = "SOFT"
	BounceTransient BounceType = "TRANSIENT"
)

// ClassifyBounce maps a provider bounce descriptor onto BounceType.
// hard/permanent are HARD, transient/temporary are TRANSIENT, the rest SOFT.
func ClassifyBounce(raw string) BounceType {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "hard"), strings.Contains(s, "permanent"):
		return BounceHard
	case strings.Contains(s, "transient"), strings.Contains(s, "temporary"):
		return BounceTransient
	}
	return BounceSoft
}

// Permanent reports whether the bounce suppresses future sends.
func (b BounceType) Permanent() bool {
	return b == BounceHard
}

// HealthStatus is a latency band for a probed dependency.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Rank orders statuses from best to worst.
func (h HealthStatus) Rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthUnhealthy:
		return 3
	}
	return 2
}

// ClassifyLatency bands a successful probe: below healthy is healthy, below
// degraded is degraded, anything slower is unhealthy.
func ClassifyLatency(d, healthy, degraded time.Duration) HealthStatus {
	switch {
	case d < healthy:
		return HealthHealthy
	case d < degraded:
		return HealthDegraded
	}
	return HealthUnhealthy
}

// MetricsBand classifies a delivery rate.
type MetricsBand string

const (
	BandHealthy  MetricsBand = "healthy"
	BandWarning  MetricsBand = "warning"
	BandCritical MetricsBand = "critical"
)
