package auth

// Default scopes for sending mail through Microsoft Graph. offline_access
// is required for the token endpoint to issue a refresh token.
var microsoftDefaultScopes = []string{
	"https://graph.microsoft.com/Mail.Send",
	"offline_access",
}

// Microsoft returns the Graph mail provider descriptor for the given
// authority preference (alias, full URL, or "" for organizations).
func Microsoft(authority string) Provider {
	p := Provider{
		Name:          "microsoft",
		DefaultScopes: microsoftDefaultScopes,
		Keys: StoreKeys{
			TokenCache:   "ms_token_cache",
			ClientID:     "ms_client_id",
			ClientSecret: "ms_client_secret",
			Config:       "ms_config",
			Username:     "ms_username",
			Authority:    "ms_authority",
		},
	}
	return p.withAuthority(ResolveAuthority(authority))
}

// NewMicrosoft constructs an engine for the Microsoft Graph mail API. The
// authority preference may be changed later with Engine.SetAuthority
// without forcing re-authentication.
func NewMicrosoft(store SecureStore, authority string, opts ...Option) (*Engine, error) {
	// An explicit authority outranks any preference stored earlier.
	if authority != "" {
		opts = append([]Option{WithAuthority(authority)}, opts...)
	}
	return NewEngine(Microsoft(authority), store, opts...)
}
