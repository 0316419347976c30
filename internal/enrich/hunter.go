package enrich

import "context"

// HunterClient uses the Hunter v2 API. The key travels as the api_key query parameter.
type HunterClient struct{ httpProvider }

func NewHunter(cfg ProviderConfig) *HunterClient {
	return &HunterClient{newHTTPProvider(Hunter, "https://api.hunter.io", cfg)}
}

type hunterEnvelope struct {
	Data map[string]any `json:"data"`
}

func (h *HunterClient) lookup(ctx context.Context, path string, query map[string]string) (Data, error) {
	query["api_key"] = h.key
	var env hunterEnvelope
	if _, err := h.get(ctx, path, query, &env, nil); err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, permanent(h.name, "no match")
	}
	return Canonicalize(env.Data), nil
}

func (h *HunterClient) Person(ctx context.Context, l Lookup) (Response, error) {
	var (
		data Data
		err  error
	)
	switch {
	case l.Email != "":
		data, err = h.lookup(ctx, "/v2/people/find", map[string]string{"email": l.Email})
	case l.Domain != "" && l.FullName != "":
		data, err = h.lookup(ctx, "/v2/email-finder", map[string]string{"domain": l.Domain, "full_name": l.FullName})
	default:
		return Response{}, permanent(h.name, "person lookup requires an email, or a domain and full name")
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Data: data}, nil
}

func (h *HunterClient) Company(ctx context.Context, domain string) (Data, error) {
	if domain == "" {
		return nil, permanent(h.name, "company lookup requires a domain")
	}
	return h.lookup(ctx, "/v2/companies/find", map[string]string{"domain": domain})
}

func (h *HunterClient) VerifyEmail(ctx context.Context, email string) (Data, error) {
	return h.lookup(ctx, "/v2/email-verifier", map[string]string{"email": email})
}
