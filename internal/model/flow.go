package model

// DeviceAuthorization holds the response to a device-authorization request.
// It carries what the user must be shown plus the parameters that bound the
// subsequent token polling.
type DeviceAuthorization struct {
	// DeviceCode is the opaque code the client polls the token endpoint with.
	DeviceCode string `json:"device_code"`

	// UserCode is the short code the user types at the verification URI.
	UserCode string `json:"user_code"`

	// VerificationURI is where the user authorizes the device.
	VerificationURI string `json:"verification_uri"`

	// VerificationURL is the legacy field name some providers (Google)
	// return instead of verification_uri.
	VerificationURL string `json:"verification_url,omitempty"`

	// VerificationURIComplete embeds the user code in the URI when the
	// provider supports it.
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`

	// ExpiresIn is the total validity window of the device code, in seconds.
	ExpiresIn int `json:"expires_in"`

	// Interval is the minimum polling interval in seconds.
	Interval int `json:"interval"`

	// Message is a provider-supplied ready-made instruction line, if any.
	Message string `json:"message,omitempty"`
}

// VerificationTarget returns the best URL to send the user to, preferring
// the complete variant that embeds the user code.
func (d DeviceAuthorization) VerificationTarget() string {
	switch {
	case d.VerificationURIComplete != "":
		return d.VerificationURIComplete
	case d.VerificationURI != "":
		return d.VerificationURI
	default:
		return d.VerificationURL
	}
}

// TokenResponse is the token endpoint's JSON body for both the device-code
// and refresh-token grants. Error fields are set on non-success responses.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`

	// IDToken is returned when an identity scope was requested; providers
	// embed the account address in its claims.
	IDToken string `json:"id_token,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Provider error codes defined by the device-authorization grant.
const (
	ErrorAuthorizationPending = "authorization_pending"
	ErrorSlowDown             = "slow_down"
	ErrorAccessDenied         = "access_denied"
	ErrorExpiredToken         = "expired_token"
)
