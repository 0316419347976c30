package enrich

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
)

// defaultProvider is used when the payload carries no provider hint.
var defaultProvider = map[domain.Type]string{
	domain.SingleLeadEnrichment:   Clearbit,
	domain.BatchLeadEnrichment:    Clearbit,
	domain.EmailValidation:        Hunter,
	domain.CompanyDataUpdate:      Clearbit,
	domain.SocialProfileDiscovery: Apollo,
}

var socialNetworks = []string{"linkedin", "twitter", "github", "facebook"}

// Outcome of one enrichment attempt. Exactly one of Result and ExternalID is set.
type Outcome struct {
	Result     json.RawMessage
	ExternalID string
}

func (o Outcome) Async() bool { return o.ExternalID != "" }

// Service runs the type-specific enrichment routine for a job.
type Service struct {
	providers map[string]Provider
	log       *zap.Logger
}

func NewService(log *zap.Logger, providers ...Provider) *Service {
	s := &Service{providers: make(map[string]Provider, len(providers)), log: log}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

func (s *Service) provider(typ domain.Type, hint string) (Provider, error) {
	name := hint
	if name == "" {
		name = defaultProvider[typ]
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, permanent(name, "provider is not configured")
	}
	return p, nil
}

// Enrich decodes the job payload and calls the chosen provider. Errors are
// *Error values or context errors; see Retryable.
func (s *Service) Enrich(ctx context.Context, j domain.Job) (Outcome, error) {
	payload, err := domain.DecodePayload(j.Type, j.Payload)
	if err != nil {
		return Outcome{}, permanent("payload", err.Error())
	}
	p, err := s.provider(j.Type, payload.ProviderHint())
	if err != nil {
		return Outcome{}, err
	}
	log := s.log.With(zap.String("job_id", j.ID), zap.String("provider", p.Name()))

	var result any
	switch pl := payload.(type) {
	case *domain.SingleLeadPayload:
		resp, err := p.Person(ctx, leadLookup(pl.LeadRef, j.ExternalID))
		if err != nil {
			return Outcome{}, err
		}
		if resp.Pending() {
			log.Debug("awaiting provider webhook", zap.String("external_id", resp.ExternalID))
			return Outcome{ExternalID: resp.ExternalID}, nil
		}
		result = LeadResult{LeadID: pl.LeadID, Provider: p.Name(), Data: selectFields(resp.Data, pl.Fields)}
	case *domain.BatchLeadPayload:
		result, err = s.batch(ctx, p, pl, log)
		if err != nil {
			return Outcome{}, err
		}
	case *domain.EmailValidationPayload:
		data, err := p.VerifyEmail(ctx, pl.Email)
		if err != nil {
			return Outcome{}, err
		}
		result = EmailResult{Email: pl.Email, LeadID: pl.LeadID, Provider: p.Name(), Data: data}
	case *domain.CompanyDataPayload:
		data, err := p.Company(ctx, pl.Domain)
		if err != nil {
			return Outcome{}, err
		}
		result = CompanyResult{CompanyID: pl.CompanyID, Domain: pl.Domain, Provider: p.Name(), Data: data}
	case *domain.SocialProfilePayload:
		resp, err := p.Person(ctx, Lookup{Email: pl.Email, FullName: pl.FullName, Company: pl.Company})
		if err != nil {
			return Outcome{}, err
		}
		result = SocialResult{LeadID: pl.LeadID, Provider: p.Name(), Profiles: profiles(resp.Data, pl.Networks)}
	default:
		return Outcome{}, permanent("payload", "unsupported job type "+string(j.Type))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "encode result")
	}
	return Outcome{Result: raw}, nil
}

// CallbackResult shapes data delivered by a provider webhook into the same
// result a synchronous run of j would have stored.
func CallbackResult(j domain.Job, provider string, data Data) (json.RawMessage, error) {
	payload, err := domain.DecodePayload(j.Type, j.Payload)
	if err != nil {
		return nil, err
	}
	var result any
	switch pl := payload.(type) {
	case *domain.SingleLeadPayload:
		result = LeadResult{LeadID: pl.LeadID, Provider: provider, Data: selectFields(data, pl.Fields)}
	case *domain.EmailValidationPayload:
		result = EmailResult{Email: pl.Email, LeadID: pl.LeadID, Provider: provider, Data: data}
	case *domain.CompanyDataPayload:
		result = CompanyResult{CompanyID: pl.CompanyID, Domain: pl.Domain, Provider: provider, Data: data}
	case *domain.SocialProfilePayload:
		result = SocialResult{LeadID: pl.LeadID, Provider: provider, Profiles: profiles(data, pl.Networks)}
	default:
		result = struct {
			Provider string `json:"provider"`
			Data     Data   `json:"data"`
		}{provider, data}
	}
	return json.Marshal(result)
}

type LeadResult struct {
	LeadID   string `json:"leadId"`
	Provider string `json:"provider"`
	Data     Data   `json:"data"`
}

type EmailResult struct {
	Email    string `json:"email"`
	LeadID   string `json:"leadId,omitempty"`
	Provider string `json:"provider"`
	Data     Data   `json:"data"`
}

type CompanyResult struct {
	CompanyID string `json:"companyId,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Provider  string `json:"provider"`
	Data      Data   `json:"data"`
}

type SocialResult struct {
	LeadID   string            `json:"leadId"`
	Provider string            `json:"provider"`
	Profiles map[string]string `json:"profiles"`
}

type BatchLead struct {
	LeadID  string `json:"leadId"`
	Success bool   `json:"success"`
	Data    Data   `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BatchResult struct {
	Provider  string      `json:"provider"`
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Leads     []BatchLead `json:"leads"`
}

// batch enriches each lead in turn. The job fails only when every lead
// failed; it is retryable when any of those failures was.
func (s *Service) batch(ctx context.Context, p Provider, pl *domain.BatchLeadPayload, log *zap.Logger) (BatchResult, error) {
	res := BatchResult{Provider: p.Name(), Total: len(pl.Leads), Leads: make([]BatchLead, 0, len(pl.Leads))}
	var lastErr error
	retryable := false
	for _, lead := range pl.Leads {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		resp, err := p.Person(ctx, leadLookup(lead, ""))
		if err == nil && resp.Pending() {
			err = permanent(p.Name(), "unexpected asynchronous answer")
		}
		if err != nil {
			log.Debug("batch lead failed", zap.String("lead_id", lead.LeadID), zap.Error(err))
			res.Failed++
			res.Leads = append(res.Leads, BatchLead{LeadID: lead.LeadID, Error: err.Error()})
			lastErr = err
			retryable = retryable || Retryable(err)
			continue
		}
		res.Succeeded++
		res.Leads = append(res.Leads, BatchLead{LeadID: lead.LeadID, Success: true, Data: selectFields(resp.Data, pl.Fields)})
	}
	if res.Succeeded == 0 {
		return res, &Error{
			Provider:  p.Name(),
			Code:      JobError(lastErr).Code,
			Message:   "all leads failed: " + lastErr.Error(),
			Retryable: retryable,
		}
	}
	return res, nil
}

func leadLookup(l domain.LeadRef, callbackID string) Lookup {
	return Lookup{Email: l.Email, Domain: l.Domain, FullName: l.FullName, CallbackID: callbackID}
}

// selectFields keeps only the requested canonical keys. No fields means all.
func selectFields(d Data, fields []string) Data {
	if len(fields) == 0 || d == nil {
		return d
	}
	out := make(Data, len(fields))
	for _, f := range fields {
		key := f
		if c, ok := aliases[strings.ToLower(f)]; ok {
			key = c
		}
		if v, ok := d[key]; ok {
			out[key] = v
		}
	}
	return out
}

// profiles pulls social profile handles out of a canonical person record.
func profiles(d Data, networks []string) map[string]string {
	if len(networks) == 0 {
		networks = socialNetworks
	}
	out := make(map[string]string, len(networks))
	for _, n := range networks {
		n = strings.ToLower(n)
		switch v := d[n].(type) {
		case string:
			if v != "" {
				out[n] = v
			}
		case map[string]any:
			for _, k := range []string{"url", "handle"} {
				if s, ok := v[k].(string); ok && s != "" {
					out[n] = s
					break
				}
			}
		}
	}
	return out
}
