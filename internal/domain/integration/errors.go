package integration

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing integration record.
	ErrNotFound = errors.New("integration: not found")
	// ErrIntegrity indicates an authenticated-decryption failure. Fatal for
	// the record; never retried with a different interpretation.
	ErrIntegrity = errors.New("integration: ciphertext integrity check failed")
	// ErrUnknownKeyVersion indicates the payload references a key version the
	// vault does not hold.
	ErrUnknownKeyVersion = errors.New("integration: unknown encryption key version")
	// ErrNoKeyMaterial means no encryption key could be sourced at startup.
	ErrNoKeyMaterial = errors.New("integration: no encryption key material available")
	// ErrProviderNotFound signals an unknown provider name.
	ErrProviderNotFound = errors.New("integration: provider not found")
	// ErrAppNotConfigured means no platform OAuth app credentials exist for
	// the provider.
	ErrAppNotConfigured = errors.New("integration: oauth app not configured for provider")
	// ErrStateNotFound indicates the callback referenced an unknown state token.
	ErrStateNotFound = errors.New("integration: oauth state not found")
	// ErrStateUsed indicates a replayed state token.
	ErrStateUsed = errors.New("integration: oauth state already used")
	// ErrStateExpired indicates the state window has closed.
	ErrStateExpired = errors.New("integration: oauth state has expired")
	// ErrTokenNotFound signals a missing active token for the integration.
	ErrTokenNotFound = errors.New("integration: no active oauth token")
	// ErrReauthorizationRequired means the access token expired and no usable
	// refresh token exists.
	ErrReauthorizationRequired = errors.New("integration: token expired, re-authorization required")
	// ErrNoProviderAvailable means every candidate's breaker is open or no
	// integration exists for the category.
	ErrNoProviderAvailable = errors.New("integration: no provider available")
	// ErrRecordReferenced blocks deleting a record other tenants still borrow.
	ErrRecordReferenced = errors.New("integration: record is referenced as a platform credential source")
	// ErrConflict signals an optimistic concurrency failure on update.
	ErrConflict = errors.New("integration: record was modified concurrently")
)

// ProviderError is a non-2xx or transport failure from a provider endpoint.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider %s: request failed: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("provider %s: status=%d body=%s", e.Provider, e.Status, e.Body)
}

// AuthorizationError carries a provider-reported error from the authorization
// callback, e.g. access_denied.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization failed: %s", e.Code)
	}
	return fmt.Sprintf("authorization failed: %s (%s)", e.Code, e.Description)
}
