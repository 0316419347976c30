package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/SirClappington/enrichq/internal/enrich"
)

// Callback is a provider notification reduced to what the queue needs.
type Callback struct {
	ExternalID string
	Success    bool
	Data       enrich.Data
	Error      string
}

type adapter func(body []byte) (Callback, error)

var adapters = map[string]adapter{
	enrich.Clearbit: parseClearbit,
	enrich.Hunter:   parseHunter,
	enrich.Apollo:   parseApollo,
}

// Clearbit posts {id, status, type, body} where id is the webhook_id sent with
// the lookup and status is the HTTP status the lookup would have returned.
func parseClearbit(body []byte) (Callback, error) {
	var in struct {
		ID     string         `json:"id"`
		Status int            `json:"status"`
		Type   string         `json:"type"`
		Body   map[string]any `json:"body"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return Callback{}, err
	}
	if in.ID == "" {
		return Callback{}, errors.New("missing id")
	}
	cb := Callback{ExternalID: in.ID}
	if in.Status != 200 || in.Body == nil {
		cb.Error = fmt.Sprintf("clearbit lookup returned status %d", in.Status)
		return cb, nil
	}
	// Combined lookups nest person and company.
	person, _ := in.Body["person"].(map[string]any)
	company, _ := in.Body["company"].(map[string]any)
	switch {
	case person != nil:
		cb.Data = enrich.Canonicalize(person)
		if company != nil {
			cb.Data["organization"] = map[string]any(enrich.Canonicalize(company))
		}
	default:
		cb.Data = enrich.Canonicalize(in.Body)
	}
	cb.Success = true
	return cb, nil
}

// Hunter callbacks carry {id, status: success|failed, data, errors}.
func parseHunter(body []byte) (Callback, error) {
	var in struct {
		ID     string         `json:"id"`
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
		Errors []struct {
			Details string `json:"details"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return Callback{}, err
	}
	if in.ID == "" {
		return Callback{}, errors.New("missing id")
	}
	cb := Callback{ExternalID: in.ID}
	if strings.EqualFold(in.Status, "success") && in.Data != nil {
		cb.Success = true
		cb.Data = enrich.Canonicalize(in.Data)
		return cb, nil
	}
	msgs := make([]string, 0, len(in.Errors))
	for _, e := range in.Errors {
		msgs = append(msgs, e.Details)
	}
	cb.Error = "hunter lookup failed"
	if len(msgs) > 0 {
		cb.Error += ": " + strings.Join(msgs, "; ")
	}
	return cb, nil
}

// Apollo callbacks carry {request_id, status, person|organization, error}.
func parseApollo(body []byte) (Callback, error) {
	var in struct {
		RequestID    string         `json:"request_id"`
		Status       string         `json:"status"`
		Person       map[string]any `json:"person"`
		Organization map[string]any `json:"organization"`
		Error        string         `json:"error"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return Callback{}, err
	}
	if in.RequestID == "" {
		return Callback{}, errors.New("missing request_id")
	}
	cb := Callback{ExternalID: in.RequestID}
	if in.Error != "" || strings.EqualFold(in.Status, "failed") {
		cb.Error = "apollo lookup failed"
		if in.Error != "" {
			cb.Error += ": " + in.Error
		}
		return cb, nil
	}
	switch {
	case in.Person != nil:
		cb.Data = enrich.Canonicalize(in.Person)
	case in.Organization != nil:
		cb.Data = enrich.Canonicalize(in.Organization)
	default:
		cb.Error = "apollo callback carried no record"
		return cb, nil
	}
	cb.Success = true
	return cb, nil
}
