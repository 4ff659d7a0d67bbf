package providers

import "github.com/smallbiznis/railzway-integrations/internal/domain/integration"

// Category names used across the platform.
const (
	CategoryPayments = "payments"
	CategoryEmail    = "email"
	CategorySMS      = "sms"
	CategoryAI       = "ai"
	CategoryCRM      = "crm"
)

// builtinChains orders each category's providers by failover priority.
var builtinChains = map[string][]string{
	CategoryPayments: {"stripe", "paypal", "square"},
	CategoryEmail:    {"sendgrid", "mailgun", "ses"},
	CategorySMS:      {"twilio", "vonage"},
	CategoryAI:       {"openai", "anthropic", "gemini"},
	CategoryCRM:      {"hubspot", "salesforce"},
}

var builtinDefinitions = []Definition{
	{
		Name:     "stripe",
		Category: CategoryPayments,
		Auth:     integration.AuthOAuth,
		Endpoints: Endpoints{
			AuthorizationURL: "https://connect.stripe.com/oauth/authorize",
			TokenURL:         "https://connect.stripe.com/oauth/token",
			RevokeURL:        "https://connect.stripe.com/oauth/deauthorize",
		},
		Scopes:   []string{"read_write"},
		Features: []string{"charges", "refunds", "subscriptions", "payment_links", "disputes"},
	},
	{
		Name:     "paypal",
		Category: CategoryPayments,
		Auth:     integration.AuthOAuth,
		Endpoints: Endpoints{
			AuthorizationURL: "https://www.paypal.com/signin/authorize",
			TokenURL:         "https://api-m.paypal.com/v1/oauth2/token",
		},
		Scopes:   []string{"openid", "https://uri.paypal.com/services/payments/payment"},
		Features: []string{"charges", "refunds", "subscriptions"},
	},
	{
		Name:     "square",
		Category: CategoryPayments,
		Auth:     integration.AuthOAuth,
		Endpoints: Endpoints{
			AuthorizationURL: "https://connect.squareup.com/oauth2/authorize",
			TokenURL:         "https://connect.squareup.com/oauth2/token",
			RevokeURL:        "https://connect.squareup.com/oauth2/revoke",
		},
		Scopes:      []string{"PAYMENTS_WRITE", "PAYMENTS_READ"},
		RequirePKCE: true,
		Features:    []string{"charges", "refunds"},
	},
	{
		Name:     "sendgrid",
		Category: CategoryEmail,
		Auth:     integration.AuthAPIKey,
		Features: []string{"send", "templates", "tracking", "scheduling"},
	},
	{
		Name:     "mailgun",
		Category: CategoryEmail,
		Auth:     integration.AuthAPIKey,
		Features: []string{"send", "templates", "tracking"},
	},
	{
		Name:     "ses",
		Category: CategoryEmail,
		Auth:     integration.AuthAPIKey,
		Features: []string{"send"},
	},
	{
		Name:     "twilio",
		Category: CategorySMS,
		Auth:     integration.AuthAPIKey,
		Features: []string{"sms", "mms", "whatsapp", "lookup"},
	},
	{
		Name:     "vonage",
		Category: CategorySMS,
		Auth:     integration.AuthAPIKey,
		Features: []string{"sms", "mms"},
	},
	{
		Name:     "openai",
		Category: CategoryAI,
		Auth:     integration.AuthAPIKey,
		Features: []string{"chat", "embeddings", "images", "audio"},
	},
	{
		Name:     "anthropic",
		Category: CategoryAI,
		Auth:     integration.AuthAPIKey,
		Features: []string{"chat"},
	},
	{
		Name:     "gemini",
		Category: CategoryAI,
		Auth:     integration.AuthAPIKey,
		Features: []string{"chat", "embeddings", "images"},
	},
	{
		Name:     "hubspot",
		Category: CategoryCRM,
		Auth:     integration.AuthOAuth,
		Endpoints: Endpoints{
			AuthorizationURL: "https://app.hubspot.com/oauth/authorize",
			TokenURL:         "https://api.hubapi.com/oauth/v1/token",
		},
		Scopes:      []string{"crm.objects.contacts.read", "crm.objects.contacts.write"},
		RequirePKCE: false,
		Features:    []string{"contacts", "deals", "workflows"},
	},
	{
		Name:     "salesforce",
		Category: CategoryCRM,
		Auth:     integration.AuthOAuth,
		Endpoints: Endpoints{
			AuthorizationURL: "https://login.salesforce.com/services/oauth2/authorize",
			TokenURL:         "https://login.salesforce.com/services/oauth2/token",
			RevokeURL:        "https://login.salesforce.com/services/oauth2/revoke",
		},
		Scopes:      []string{"api", "refresh_token"},
		RequirePKCE: true,
		Features:    []string{"contacts", "deals"},
	},
	{
		Name:     "google",
		Category: CategoryCRM,
		Auth:     integration.AuthOAuth,
		Endpoints: Endpoints{
			AuthorizationURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:         "https://oauth2.googleapis.com/token",
			UserinfoURL:      "https://openidconnect.googleapis.com/v1/userinfo",
			RevokeURL:        "https://oauth2.googleapis.com/revoke",
		},
		Scopes:      []string{"openid", "email", "profile"},
		RequirePKCE: true,
		Features:    []string{"contacts"},
	},
	{
		Name:     "slack",
		Category: CategoryCRM,
		Auth:     integration.AuthOAuth,
		Endpoints: Endpoints{
			AuthorizationURL: "https://slack.com/oauth/v2/authorize",
			TokenURL:         "https://slack.com/api/oauth.v2.access",
			RevokeURL:        "https://slack.com/api/auth.revoke",
		},
		Scopes:   []string{"chat:write", "channels:read"},
		Features: []string{"messaging"},
	},
}
