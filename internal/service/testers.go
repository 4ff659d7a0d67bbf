package service

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	authBearer = "bearer"
	authBasic  = "basic"
	authHeader = "header"
)

// probe describes the uniform connection check for one provider: the
// endpoint to hit and how to present which credential fields. A 2xx
// response means the credentials work.
type probe struct {
	url    string
	style  string
	header string
	// keyField holds the bearer token or custom-header value; userField and
	// passField feed basic auth. fixedUser overrides the username lookup for
	// providers with a literal username convention.
	keyField  string
	userField string
	passField string
	fixedUser string
}

var defaultProbes = map[string]probe{
	"stripe":    {url: "https://api.stripe.com/v1/account", style: authBearer, keyField: "secret_key"},
	"sendgrid":  {url: "https://api.sendgrid.com/v3/scopes", style: authBearer, keyField: "api_key"},
	"mailgun":   {url: "https://api.mailgun.net/v4/domains", style: authBasic, fixedUser: "api", passField: "api_key"},
	"twilio":    {url: "https://api.twilio.com/2010-04-01/Accounts.json", style: authBasic, userField: "account_sid", passField: "auth_token"},
	"vonage":    {url: "https://rest.nexmo.com/account/get-balance", style: authBasic, userField: "api_key", passField: "api_secret"},
	"openai":    {url: "https://api.openai.com/v1/models", style: authBearer, keyField: "api_key"},
	"anthropic": {url: "https://api.anthropic.com/v1/models", style: authHeader, header: "x-api-key", keyField: "api_key"},
	"hubspot":   {url: "https://api.hubapi.com/integrations/v1/me", style: authBearer, keyField: "api_key"},
}

// NewDefaultTesters builds the connection testers for providers with a
// direct credential probe. Providers without an entry fail closed in
// TestConnection.
func NewDefaultTesters(client *http.Client) map[string]Tester {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	testers := make(map[string]Tester, len(defaultProbes))
	for name, p := range defaultProbes {
		testers[name] = probeTester(client, p)
	}
	return testers
}

func probeTester(client *http.Client, p probe) Tester {
	return func(ctx context.Context, credentials map[string]any) (bool, string) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
		if err != nil {
			return false, fmt.Sprintf("build request: %v", err)
		}

		switch p.style {
		case authBearer:
			key, ok := stringField(credentials, p.keyField)
			if !ok {
				return false, fmt.Sprintf("missing credential field %q", p.keyField)
			}
			req.Header.Set("Authorization", "Bearer "+key)
		case authHeader:
			key, ok := stringField(credentials, p.keyField)
			if !ok {
				return false, fmt.Sprintf("missing credential field %q", p.keyField)
			}
			req.Header.Set(p.header, key)
		case authBasic:
			user := p.fixedUser
			if user == "" {
				var ok bool
				if user, ok = stringField(credentials, p.userField); !ok {
					return false, fmt.Sprintf("missing credential field %q", p.userField)
				}
			}
			pass, ok := stringField(credentials, p.passField)
			if !ok {
				return false, fmt.Sprintf("missing credential field %q", p.passField)
			}
			req.SetBasicAuth(user, pass)
		default:
			return false, fmt.Sprintf("unknown auth style %q", p.style)
		}

		resp, err := client.Do(req)
		if err != nil {
			return false, fmt.Sprintf("provider unreachable: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true, "connection verified"
		}
		return false, fmt.Sprintf("provider returned status %d", resp.StatusCode)
	}
}

func stringField(credentials map[string]any, field string) (string, bool) {
	raw, ok := credentials[field]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
