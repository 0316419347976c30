package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SirClappington/enrichq/internal/domain"
)

const (
	Clearbit = "clearbit"
	Hunter   = "hunter"
	Apollo   = "apollo"
)

// Lookup identifies the person or company a provider should resolve.
type Lookup struct {
	Email    string
	Domain   string
	FullName string
	Company  string
	// CallbackID, when set, lets a provider answer later through the webhook
	// receiver under that id. It is stored on the job before the call.
	CallbackID string
}

// Response is either Data now or an ExternalID the result will be delivered under.
type Response struct {
	Data       Data
	ExternalID string
}

func (r Response) Pending() bool { return r.Data == nil && r.ExternalID != "" }

// Provider is a third-party enrichment API.
type Provider interface {
	Name() string
	Person(ctx context.Context, l Lookup) (Response, error)
	Company(ctx context.Context, domain string) (Data, error)
	VerifyEmail(ctx context.Context, email string) (Data, error)
}

// ProviderConfig is shared by the HTTP providers.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

type httpProvider struct {
	name   string
	key    string
	base   string
	client *http.Client
}

func newHTTPProvider(name, defaultBase string, cfg ProviderConfig) httpProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBase
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return httpProvider{name: name, key: cfg.APIKey, base: base, client: client}
}

func (p httpProvider) Name() string { return p.name }

// do sends req and decodes a 2xx JSON body into out. It returns the status so
// callers can branch on 202 and 404.
func (p httpProvider) do(req *http.Request, out any) (int, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, transportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, statusError(p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &Error{Provider: p.name, Status: resp.StatusCode, Code: domain.CodeProviderError, Message: "malformed response: " + err.Error(), Retryable: true}
	}
	return resp.StatusCode, nil
}

func (p httpProvider) get(ctx context.Context, path string, query map[string]string, out any, header map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return 0, permanent(p.name, err.Error())
	}
	q := req.URL.Query()
	for k, v := range query {
		if v != "" {
			q.Set(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return p.do(req, out)
}

func (p httpProvider) post(ctx context.Context, path string, body any, out any, header map[string]string) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, permanent(p.name, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(buf))
	if err != nil {
		return 0, permanent(p.name, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return p.do(req, out)
}

func (p httpProvider) unsupported(op string) *Error {
	return permanent(p.name, op+" is not supported")
}
