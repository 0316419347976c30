package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Queued     Status = "queued"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Retrying   Status = "retrying"
	DeadLetter Status = "dead_letter"
)

var Statuses = []Status{Pending, Queued, InProgress, Completed, Failed, Retrying, DeadLetter}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type Type string

const (
	SingleLeadEnrichment   Type = "single_lead_enrichment"
	BatchLeadEnrichment    Type = "batch_lead_enrichment"
	EmailValidation        Type = "email_validation"
	CompanyDataUpdate      Type = "company_data_update"
	SocialProfileDiscovery Type = "social_profile_discovery"
)

var Types = []Type{SingleLeadEnrichment, BatchLeadEnrichment, EmailValidation, CompanyDataUpdate, SocialProfileDiscovery}

func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

const (
	MinPriority       = 1
	MaxPriority       = 5
	DefaultPriority   = 3
	DefaultMaxRetries = 3
	MaxMaxRetries     = 10
)

// Error codes recorded on jobs.
const (
	CodeUserCancelled    = "USER_CANCELLED"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeProviderTimeout  = "PROVIDER_TIMEOUT"
	CodeStaleInProgress  = "STALE_IN_PROGRESS"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeWebhookFailure   = "WEBHOOK_FAILURE"
)

type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type Job struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	Type        Type            `json:"type"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	WebhookURL  string          `json:"webhookUrl,omitempty"`
	Tags        []string        `json:"tags"`
	ExternalID  string          `json:"externalId,omitempty"`
	// Version increments on every write; stores compare it alongside status.
	Version int64 `json:"-"`
}

// ProcessingTime is completedAt - startedAt, or nil when either is missing.
func (j Job) ProcessingTime() *time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(*j.StartedAt)
	return &d
}

// Due reports whether the job may be dispatched at now.
func (j Job) Due(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

func (j Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so that stores never share mutable state with callers.
func (j Job) Clone() Job {
	out := j
	// slices.Clone keeps nil as nil and empty as empty.
	out.Payload = slices.Clone(j.Payload)
	out.Result = slices.Clone(j.Result)
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	out.ScheduledAt = cloneTime(j.ScheduledAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.Tags = slices.Clone(j.Tags)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
