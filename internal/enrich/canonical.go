package enrich

import "strings"

// aliases maps provider field spellings onto the canonical result keys.
var aliases = map[string]string{
	"first_name":        "firstName",
	"firstname":         "firstName",
	"given_name":        "firstName",
	"givenname":         "firstName",
	"last_name":         "lastName",
	"lastname":          "lastName",
	"family_name":       "lastName",
	"familyname":        "lastName",
	"full_name":         "fullName",
	"fullname":          "fullName",
	"email":             "email",
	"email_address":     "email",
	"emailaddress":      "email",
	"title":             "title",
	"job_title":         "title",
	"jobtitle":          "title",
	"position":          "title",
	"company":           "company",
	"company_name":      "company",
	"companyname":       "company",
	"organization_name": "company",
	"organizationname":  "company",
	"domain":            "domain",
	"company_domain":    "domain",
	"companydomain":     "domain",
	"phone":             "phone",
	"phone_number":      "phone",
	"phonenumber":       "phone",
	"mobile_phone":      "phone",
	"linkedin":          "linkedin",
	"linkedin_url":      "linkedin",
	"linkedinurl":       "linkedin",
	"twitter":           "twitter",
	"twitter_url":       "twitter",
	"twitterurl":        "twitter",
	"github":            "github",
	"github_url":        "github",
	"githuburl":         "github",
	"location":          "location",
	"seniority":         "seniority",
	"industry":          "industry",
	"employees":         "employees",
}

// Data is a provider payload after canonicalisation.
type Data map[string]any

// Canonicalize renames known keys to their canonical spelling, recursing into
// nested objects and arrays. Unknown keys pass through. When two source keys
// map to the same canonical key the first non-empty value wins.
func Canonicalize(in map[string]any) Data {
	out := make(Data, len(in))
	for k, v := range in {
		key := k
		if c, ok := aliases[strings.ToLower(k)]; ok {
			key = c
		}
		v = canonicalValue(v)
		if prev, exists := out[key]; exists && !empty(prev) {
			continue
		}
		out[key] = v
	}
	return out
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Canonicalize(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalValue(e)
		}
		return out
	}
	return v
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}
