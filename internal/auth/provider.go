package auth

import "strings"

// StoreKeys names the secure-store entries one provider owns. Flat keys
// take precedence over fields of the nested config object (see extract.go).
type StoreKeys struct {
	// TokenCache holds the provider's TokenRecord.
	TokenCache string

	// ClientID and ClientSecret are the flat top-level entries.
	ClientID     string
	ClientSecret string

	// Config names the nested provider-config object whose client_id,
	// client_secret and scopes fields act as a fallback tier.
	Config string

	// Username holds the resolved account identity (email address).
	Username string

	// Authority holds the stored authority preference, when the provider
	// has one (Microsoft only).
	Authority string
}

// Provider describes one OAuth ecosystem's device-authorization endpoints,
// defaults, and storage layout. Providers are value types; the engine never
// mutates them except through SetAuthority.
type Provider struct {
	// Name labels the provider in errors, logs, and the event log.
	Name string

	// DeviceAuthURL issues device codes.
	DeviceAuthURL string

	// TokenURL exchanges device codes and refresh tokens for access tokens.
	TokenURL string

	// DefaultScopes apply when neither the caller nor the store supplies
	// scopes.
	DefaultScopes []string

	// Keys is the provider's secure-store layout.
	Keys StoreKeys
}

// Microsoft authority endpoints. The authority selects which account class
// (work/school vs personal) the sign-in accepts.
const (
	msOrgAuthority      = "https://login.microsoftonline.com/organizations"
	msConsumerAuthority = "https://login.microsoftonline.com/consumers"
)

// ResolveAuthority maps a user-supplied authority preference to a full
// authority URL. Full URLs pass through; friendly aliases map to the two
// Microsoft account classes; anything else gets the organizations default.
func ResolveAuthority(authority string) string {
	if authority == "" {
		return msOrgAuthority
	}
	if strings.HasPrefix(authority, "http") {
		return strings.TrimRight(authority, "/")
	}
	switch strings.ToLower(authority) {
	case "organizations", "org", "work", "work/school", "work_school":
		return msOrgAuthority
	case "consumers", "consumer", "personal", "outlook":
		return msConsumerAuthority
	default:
		return msOrgAuthority
	}
}

// withAuthority re-derives the Microsoft endpoints from an authority URL.
func (p Provider) withAuthority(authorityURL string) Provider {
	p.DeviceAuthURL = authorityURL + "/oauth2/v2.0/devicecode"
	p.TokenURL = authorityURL + "/oauth2/v2.0/token"
	return p
}
