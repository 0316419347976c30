package enrich

import (
	"context"
	"net/http"

	"github.com/SirClappington/enrichq/internal/domain"
)

// ClearbitClient talks to the Clearbit combined and company APIs. With
// webhooks enabled, person lookups that carry a callback id are answered
// through the receiver under that id.
type ClearbitClient struct {
	httpProvider
	webhooks bool
}

func NewClearbit(cfg ProviderConfig, webhooks bool) *ClearbitClient {
	return &ClearbitClient{
		httpProvider: newHTTPProvider(Clearbit, "https://person.clearbit.com", cfg),
		webhooks:     webhooks,
	}
}

func (c *ClearbitClient) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.key}
}

func (c *ClearbitClient) Person(ctx context.Context, l Lookup) (Response, error) {
	if l.Email == "" {
		return Response{}, permanent(c.name, "person lookup requires an email")
	}
	query := map[string]string{"email": l.Email}
	async := c.webhooks && l.CallbackID != ""
	if async {
		query["webhook_id"] = l.CallbackID
	}
	var body struct {
		Person  map[string]any `json:"person"`
		Company map[string]any `json:"company"`
	}
	status, err := c.get(ctx, "/v2/combined/find", query, &body, c.auth())
	if err != nil {
		return Response{}, err
	}
	if status == http.StatusAccepted {
		if async {
			return Response{ExternalID: query["webhook_id"]}, nil
		}
		return Response{}, &Error{Provider: c.name, Status: status, Code: domain.CodeProviderError, Message: "lookup queued", Retryable: true}
	}
	if body.Person == nil && body.Company == nil {
		return Response{}, permanent(c.name, "no match")
	}
	data := Data{}
	if body.Person != nil {
		data = Canonicalize(body.Person)
	}
	if body.Company != nil {
		data["organization"] = map[string]any(Canonicalize(body.Company))
	}
	return Response{Data: data}, nil
}

func (c *ClearbitClient) Company(ctx context.Context, domain string) (Data, error) {
	if domain == "" {
		return nil, permanent(c.name, "company lookup requires a domain")
	}
	var body map[string]any
	if _, err := c.get(ctx, "/v2/companies/find", map[string]string{"domain": domain}, &body, c.auth()); err != nil {
		return nil, err
	}
	return Canonicalize(body), nil
}

func (c *ClearbitClient) VerifyEmail(context.Context, string) (Data, error) {
	return nil, c.unsupported("email verification")
}
