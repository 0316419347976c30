package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
)

const MaxBatchLeads = 100

var Providers = []string{"clearbit", "hunter", "apollo"}

// Payload is the decoded, type-specific form of a job payload.
type Payload interface {
	JobType() Type
	ProviderHint() string
	ExternalRef() string
	validate(v *ValidationError)
}

type common struct {
	Provider   string `json:"provider,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

func (c common) ProviderHint() string { return c.Provider }
func (c common) ExternalRef() string  { return c.ExternalID }

func (c common) validate(v *ValidationError) {
	if c.Provider == "" {
		return
	}
	for _, p := range Providers {
		if p == c.Provider {
			return
		}
	}
	v.Add("payload.provider", fmt.Sprintf("must be one of %s", strings.Join(Providers, ", ")))
}

type LeadRef struct {
	LeadID   string `json:"leadId"`
	Email    string `json:"email,omitempty"`
	Domain   string `json:"domain,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

type SingleLeadPayload struct {
	common
	LeadRef
	Fields []string `json:"fields,omitempty"`
}

func (SingleLeadPayload) JobType() Type { return SingleLeadEnrichment }

func (p SingleLeadPayload) validate(v *ValidationError) {
	p.common.validate(v)
	if strings.TrimSpace(p.LeadID) == "" {
		v.Add("payload.leadId", "is required")
	}
	validateOptionalEmail(v, "payload.email", p.Email)
}

type BatchLeadPayload struct {
	common
	Leads  []LeadRef `json:"leads"`
	Fields []string  `json:"fields,omitempty"`
}

func (BatchLeadPayload) JobType() Type { return BatchLeadEnrichment }

func (p BatchLeadPayload) validate(v *ValidationError) {
	p.common.validate(v)
	switch {
	case len(p.Leads) == 0:
		v.Add("payload.leads", "must contain at least one lead")
	case len(p.Leads) > MaxBatchLeads:
		v.Add("payload.leads", fmt.Sprintf("must contain at most %d leads", MaxBatchLeads))
	}
	for i, l := range p.Leads {
		if strings.TrimSpace(l.LeadID) == "" {
			v.Add(fmt.Sprintf("payload.leads[%d].leadId", i), "is required")
		}
		validateOptionalEmail(v, fmt.Sprintf("payload.leads[%d].email", i), l.Email)
	}
}

type EmailValidationPayload struct {
	common
	Email  string `json:"email"`
	LeadID string `json:"leadId,omitempty"`
}

func (EmailValidationPayload) JobType() Type { return EmailValidation }

func (p EmailValidationPayload) validate(v *ValidationError) {
	p.common.validate(v)
	if p.Email == "" {
		v.Add("payload.email", "is required")
		return
	}
	validateOptionalEmail(v, "payload.email", p.Email)
}

type CompanyDataPayload struct {
	common
	CompanyID string `json:"companyId,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

func (CompanyDataPayload) JobType() Type { return CompanyDataUpdate }

func (p CompanyDataPayload) validate(v *ValidationError) {
	p.common.validate(v)
	if strings.TrimSpace(p.CompanyID) == "" && strings.TrimSpace(p.Domain) == "" {
		v.Add("payload", "companyId or domain is required")
	}
}

type SocialProfilePayload struct {
	common
	LeadID   string   `json:"leadId"`
	Email    string   `json:"email,omitempty"`
	FullName string   `json:"fullName,omitempty"`
	Company  string   `json:"company,omitempty"`
	Networks []string `json:"networks,omitempty"`
}

func (SocialProfilePayload) JobType() Type { return SocialProfileDiscovery }

func (p SocialProfilePayload) validate(v *ValidationError) {
	p.common.validate(v)
	if strings.TrimSpace(p.LeadID) == "" {
		v.Add("payload.leadId", "is required")
	}
	validateOptionalEmail(v, "payload.email", p.Email)
}

func validateOptionalEmail(v *ValidationError, field, email string) {
	if email == "" {
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		v.Add(field, "must be a valid email address")
	}
}

// DecodePayload parses raw according to typ and validates it.
func DecodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	v := &ValidationError{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		v.Add("payload", "is required")
		return nil, v
	}
	if trimmed[0] != '{' {
		v.Add("payload", "must be a JSON object")
		return nil, v
	}

	var p Payload
	switch typ {
	case SingleLeadEnrichment:
		p = &SingleLeadPayload{}
	case BatchLeadEnrichment:
		p = &BatchLeadPayload{}
	case EmailValidation:
		p = &EmailValidationPayload{}
	case CompanyDataUpdate:
		p = &CompanyDataPayload{}
	case SocialProfileDiscovery:
		p = &SocialProfilePayload{}
	default:
		v.Add("type", fmt.Sprintf("unsupported job type %q", typ))
		return nil, v
	}
	if err := json.Unmarshal(trimmed, p); err != nil {
		v.Add("payload", "does not match the schema for "+string(typ))
		return nil, v
	}
	p.validate(v)
	if err := v.Err(); err != nil {
		return nil, err
	}
	return p, nil
}
