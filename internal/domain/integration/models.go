package integration

import "time"

// Scope identifies who owns an integration record.
type Scope string

const (
	ScopePlatform Scope = "platform"
	ScopeClient   Scope = "client"
)

// Mode distinguishes tenant-supplied credentials from borrowed platform ones.
type Mode string

const (
	// ModeOwn means the tenant supplied their own provider credentials.
	ModeOwn Mode = "OWN"
	// ModePlatform means the tenant borrows a shared platform-level integration.
	ModePlatform Mode = "PLATFORM"
)

// Status tracks the lifecycle of an integration record. Records are created
// PENDING and only move to ACTIVE or ERROR through an explicit connection test.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusError    Status = "ERROR"
)

// TokenStatus is the OAuth token state machine. EXPIRED, REFRESH_FAILED and
// REVOKED are terminal; recovery requires re-provisioning.
type TokenStatus string

const (
	TokenActive        TokenStatus = "ACTIVE"
	TokenExpired       TokenStatus = "EXPIRED"
	TokenRefreshFailed TokenStatus = "REFRESH_FAILED"
	TokenRevoked       TokenStatus = "REVOKED"
)

// AuthType distinguishes OAuth providers from static API-key providers.
type AuthType string

const (
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "api_key"
)

// TenantRef identifies the tenant scope an operation runs under. ClientID is
// nil for platform-wide lookups.
type TenantRef struct {
	OrgID    int64
	ClientID *int64
}

// EncryptedPayload is the envelope produced by the vault. Binary fields are
// base64 encoded so the payload survives JSON persistence untouched.
type EncryptedPayload struct {
	Ciphertext  string    `json:"ciphertext"`
	IV          string    `json:"iv"`
	AuthTag     string    `json:"auth_tag"`
	KeyVersion  int       `json:"key_version"`
	EncryptedAt time.Time `json:"encrypted_at"`
}

// IntegrationRecord is one configured connection to a provider for one tenant
// scope. Credentials is nil when Mode is PLATFORM (the tenant borrows the
// platform record's credentials instead).
type IntegrationRecord struct {
	ID             int64
	OrgID          int64
	ClientID       *int64
	Scope          Scope
	Provider       string
	Category       string
	Mode           Mode
	Credentials    *EncryptedPayload
	Status         Status
	IsDefault      bool
	IsVerified     bool
	Priority       int
	LastTestedAt   *time.Time
	LastTestResult string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OAuthState is the ephemeral CSRF record for one in-flight authorization
// attempt. A state token is single-use: UsedAt is set atomically on the first
// callback and every later consume attempt fails.
type OAuthState struct {
	State        string     `json:"state"`
	Provider     string     `json:"provider"`
	OrgID        int64      `json:"org_id"`
	ClientID     *int64     `json:"client_id,omitempty"`
	FlowType     string     `json:"flow_type"`
	RedirectURL  string     `json:"redirect_url,omitempty"`
	PKCEVerifier string     `json:"pkce_verifier,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
}

// Expired reports whether the state window has closed.
func (s OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// OAuthToken holds the encrypted token pair for one OAuth integration.
type OAuthToken struct {
	ID              int64
	IntegrationID   int64
	AccessToken     EncryptedPayload
	RefreshToken    *EncryptedPayload
	TokenType       string
	ExpiresAt       *time.Time
	Scopes          []string
	Status          TokenStatus
	LastRefreshedAt *time.Time
	LastUsedAt      *time.Time
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExpiresWithin reports whether the access token expires inside the buffer.
// Tokens without an expiry never expire.
func (t OAuthToken) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return now.Add(buffer).After(*t.ExpiresAt)
}

// FailoverResult names the fallback chosen for a failed provider and the
// provider-specific features the caller gives up by switching.
type FailoverResult struct {
	Provider      string
	IntegrationID int64
	FeaturesLost  []string
}

// UsageMarkup returns the caller-configured markup percentage for a credential
// mode. The percentages are injected configuration, never constants.
func UsageMarkup(mode Mode, ownPct, platformPct float64) float64 {
	if mode == ModePlatform {
		return platformPct
	}
	return ownPct
}
