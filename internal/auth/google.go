package auth

// Google device-authorization endpoints and defaults.
const (
	googleDeviceAuthURL = "https://oauth2.googleapis.com/device/code"
	googleTokenURL      = "https://oauth2.googleapis.com/token"
)

var googleDefaultScopes = []string{"https://www.googleapis.com/auth/gmail.send"}

// Google returns the Gmail send provider descriptor.
func Google() Provider {
	return Provider{
		Name:          "google",
		DeviceAuthURL: googleDeviceAuthURL,
		TokenURL:      googleTokenURL,
		DefaultScopes: googleDefaultScopes,
		Keys: StoreKeys{
			TokenCache:   "google_token_cache",
			ClientID:     "google_client_id",
			ClientSecret: "google_client_secret",
			Config:       "google_api_config",
			Username:     "google_email_address",
		},
	}
}

// NewGoogle constructs an engine for the Gmail send API.
func NewGoogle(store SecureStore, opts ...Option) (*Engine, error) {
	return NewEngine(Google(), store, opts...)
}
