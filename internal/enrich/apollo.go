package enrich

import "context"

// ApolloClient uses the Apollo people match and organization enrich endpoints.
type ApolloClient struct{ httpProvider }

func NewApollo(cfg ProviderConfig) *ApolloClient {
	return &ApolloClient{newHTTPProvider(Apollo, "https://api.apollo.io", cfg)}
}

func (a *ApolloClient) headers() map[string]string {
	return map[string]string{"X-Api-Key": a.key}
}

type apolloMatch struct {
	Email            string `json:"email,omitempty"`
	Name             string `json:"name,omitempty"`
	Domain           string `json:"domain,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
}

func (a *ApolloClient) Person(ctx context.Context, l Lookup) (Response, error) {
	if l.Email == "" && l.FullName == "" {
		return Response{}, permanent(a.name, "person match requires an email or a name")
	}
	var body struct {
		Person map[string]any `json:"person"`
	}
	req := apolloMatch{Email: l.Email, Name: l.FullName, Domain: l.Domain, OrganizationName: l.Company}
	if _, err := a.post(ctx, "/v1/people/match", req, &body, a.headers()); err != nil {
		return Response{}, err
	}
	if body.Person == nil {
		return Response{}, permanent(a.name, "no match")
	}
	return Response{Data: Canonicalize(body.Person)}, nil
}

func (a *ApolloClient) Company(ctx context.Context, domain string) (Data, error) {
	if domain == "" {
		return nil, permanent(a.name, "organization enrich requires a domain")
	}
	var body struct {
		Organization map[string]any `json:"organization"`
	}
	if _, err := a.get(ctx, "/v1/organizations/enrich", map[string]string{"domain": domain}, &body, a.headers()); err != nil {
		return nil, err
	}
	if body.Organization == nil {
		return nil, permanent(a.name, "no match")
	}
	return Canonicalize(body.Organization), nil
}

func (a *ApolloClient) VerifyEmail(context.Context, string) (Data, error) {
	return nil, a.unsupported("email verification")
}
