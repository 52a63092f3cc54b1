package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/nicemail/internal/credential"
	"github.com/nhle/nicemail/internal/model"
	"github.com/nhle/nicemail/internal/store"
)

// requestTimeout bounds each individual HTTP call to the provider. The
// overall device flow is bounded separately by the server-advertised
// expiry window.
const requestTimeout = 10 * time.Second

// slowDownIncrement is added to the polling interval every time the server
// answers slow_down. The increase is cumulative.
const slowDownIncrement = 5 * time.Second

// SecureStore is the persistence contract the engine depends on. The
// concrete implementation is credential.SecureStore; tests substitute an
// in-memory fake.
type SecureStore interface {
	Load() (map[string]any, error)
	Save(data map[string]any) error
}

// Notify presents device-flow instructions to a human. It is invoked
// exactly once per flow initiation, never during refresh or cache hits.
type Notify func(model.DeviceAuthorization)

// Recorder receives auth lifecycle events for the diagnostics log.
// Implementations must not fail the auth path; the engine ignores
// recording problems.
type Recorder interface {
	Record(ctx context.Context, provider string, kind store.EventKind, detail string)
}

// Engine runs the device-authorization grant for one provider: cached-token
// validity, silent refresh, and interactive device-code polling. It is
// synchronous and not safe for concurrent use.
type Engine struct {
	provider Provider
	store    SecureStore
	identity Identity
	notify   Notify
	recorder Recorder
	client   *http.Client

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(time.Duration)

	username string
}

type options struct {
	identity Identity
	notify   Notify
	recorder Recorder
	client   *http.Client
}

// Option customizes engine construction.
type Option func(*options)

// WithClientID supplies the OAuth client id directly, overriding anything
// in the secure store.
func WithClientID(clientID string) Option {
	return func(o *options) { o.identity.ClientID = clientID }
}

// WithClientSecret supplies the OAuth client secret directly.
func WithClientSecret(secret string) Option {
	return func(o *options) { o.identity.ClientSecret = secret }
}

// WithScopes sets the instance default scopes.
func WithScopes(scopes []string) Option {
	return func(o *options) { o.identity.Scopes = scopes }
}

// WithAuthority sets the authority preference (Microsoft only).
func WithAuthority(authority string) Option {
	return func(o *options) { o.identity.Authority = authority }
}

// WithNotify installs the display callback invoked with device-flow
// instructions.
func WithNotify(fn Notify) Option {
	return func(o *options) { o.notify = fn }
}

// WithRecorder installs an auth event recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// NewEngine resolves the provider identity from the options and the secure
// store and returns a ready engine. A missing client id is a ConfigError.
func NewEngine(p Provider, s SecureStore, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	data, err := s.Load()
	if err != nil {
		return nil, fmt.Errorf("loading secure store: %w", err)
	}

	id, err := resolveIdentity(o.identity, data, p)
	if err != nil {
		return nil, err
	}

	// A stored or explicit authority preference re-derives the endpoints.
	if p.Keys.Authority != "" && id.Authority != "" {
		p = p.withAuthority(ResolveAuthority(id.Authority))
	}

	username, _ := data[p.Keys.Username].(string)

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	// Record which facility backs the store's encryption key, when the
	// store can tell us.
	if o.recorder != nil {
		if ks, ok := s.(interface{ KeySource() credential.KeySource }); ok {
			o.recorder.Record(context.Background(), p.Name, store.KindKeySource, ks.KeySource().String())
		}
	}

	return &Engine{
		provider: p,
		store:    s,
		identity: id,
		notify:   o.notify,
		recorder: o.recorder,
		client:   client,
		now:      time.Now,
		sleep:    time.Sleep,
		username: username,
	}, nil
}

// Provider returns the engine's provider descriptor.
func (e *Engine) Provider() Provider {
	return e.provider
}

// Username returns the resolved account identity (email address), if one
// is known, for the caller to stamp as sender.
func (e *Engine) Username() string {
	return e.username
}

// SetAuthority reassigns the authority preference and re-derives the
// provider endpoints. It does not force re-authentication. No-op for
// providers without authorities.
func (e *Engine) SetAuthority(authority string) {
	if e.provider.Keys.Authority == "" {
		return
	}
	resolved := ResolveAuthority(authority)
	if resolved == ResolveAuthority(e.identity.Authority) {
		return
	}
	e.identity.Authority = authority
	e.provider = e.provider.withAuthority(resolved)
}

// AcquireOptions controls one token acquisition.
type AcquireOptions struct {
	// Interactive permits the device flow, which requires presenting
	// instructions to a human. Without it, only the cache and silent
	// refresh are tried.
	Interactive bool

	// Scopes overrides the instance default scopes for this acquisition.
	Scopes []string
}

// Acquire returns a valid access token: from the cache when still valid,
// via silent refresh when a refresh token exists, and otherwise through
// the interactive device-authorization flow. Only configuration, key
// resolution, and terminal authorization failures escape; every transient
// condition is absorbed by falling through to the next strategy.
func (e *Engine) Acquire(ctx context.Context, opts AcquireOptions) (string, error) {
	scopes := normalizeScopes(opts.Scopes)
	if len(scopes) == 0 {
		scopes = e.identity.Scopes
	}
	if len(scopes) == 0 {
		scopes = e.provider.DefaultScopes
	}

	data, err := e.store.Load()
	if err != nil {
		return "", fmt.Errorf("loading secure store: %w", err)
	}

	var record model.TokenRecord
	if credential.Get(data, e.provider.Keys.TokenCache, &record) && record.Valid(e.now()) {
		slog.Debug("using cached access token", "provider", e.provider.Name)
		e.record(ctx, store.KindCacheHit, "")
		return record.AccessToken, nil
	}

	if record.RefreshToken != "" {
		token, err := e.refresh(ctx, record.RefreshToken, scopes)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		// Refresh failures are never fatal; fall through to the flow.
	}

	if !opts.Interactive {
		return "", &TerminalError{
			Provider: e.provider.Name,
			Reason:   ReasonNoninteractive,
			Detail:   "no cached or refreshable token and interactive auth is disabled",
		}
	}

	flow, err := e.initiateFlow(ctx, scopes)
	if err != nil {
		e.record(ctx, store.KindFlowFailed, err.Error())
		return "", err
	}

	flowID := uuid.NewString()
	slog.Debug("device flow started",
		"provider", e.provider.Name, "flow_id", flowID,
		"interval_sec", flow.Interval, "expires_in_sec", flow.ExpiresIn)
	e.record(ctx, store.KindFlowStarted, flowID)

	e.notifyUser(flow)

	resp, err := e.poll(ctx, flow)
	if err != nil {
		e.record(ctx, store.KindFlowFailed, err.Error())
		return "", err
	}

	record = e.finalize(resp, scopes)
	if err := e.persistToken(record, resp.IDToken); err != nil {
		return "", err
	}

	slog.Debug("device flow completed", "provider", e.provider.Name, "flow_id", flowID)
	e.record(ctx, store.KindFlowCompleted, flowID)
	return record.AccessToken, nil
}

// refresh exchanges a refresh token for a fresh record. It returns "" with
// a nil error on any transient failure so the caller falls through to the
// full flow; only persistence problems are surfaced.
func (e *Engine) refresh(ctx context.Context, refreshToken string, scopes []string) (string, error) {
	form := url.Values{
		"client_id":     {e.identity.ClientID},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	if e.identity.ClientSecret != "" {
		form.Set("client_secret", e.identity.ClientSecret)
	}

	status, resp, err := e.postToken(ctx, e.provider.TokenURL, form)
	if err != nil || status != http.StatusOK || resp.AccessToken == "" {
		detail := "token endpoint rejected the refresh"
		if err != nil {
			detail = err.Error()
		}
		slog.Debug("silent refresh failed, falling through",
			"provider", e.provider.Name, "status", status, "detail", detail)
		e.record(ctx, store.KindRefreshFailed, detail)
		return "", nil
	}

	// Providers may omit the refresh token on refresh; keep the old one.
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}

	record := e.finalize(resp, scopes)
	if err := e.persistToken(record, resp.IDToken); err != nil {
		return "", err
	}

	slog.Debug("access token refreshed", "provider", e.provider.Name)
	e.record(ctx, store.KindTokenRefreshed, "")
	return record.AccessToken, nil
}

// initiateFlow requests a device code. A response without one is a
// terminal configuration/connectivity failure.
func (e *Engine) initiateFlow(ctx context.Context, scopes []string) (model.DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {e.identity.ClientID},
		"scope":     {strings.Join(scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.provider.DeviceAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return model.DeviceAuthorization{}, fmt.Errorf("building device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := e.client.Do(req)
	if err != nil {
		return model.DeviceAuthorization{}, &TerminalError{
			Provider: e.provider.Name,
			Reason:   ReasonServerError,
			Detail:   fmt.Sprintf("requesting device code: %v", err),
		}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return model.DeviceAuthorization{}, &TerminalError{
			Provider: e.provider.Name,
			Reason:   ReasonServerError,
			Detail:   fmt.Sprintf("reading device code response: %v", err),
		}
	}

	if res.StatusCode != http.StatusOK {
		return model.DeviceAuthorization{}, &TerminalError{
			Provider: e.provider.Name,
			Reason:   ReasonServerError,
			Detail:   fmt.Sprintf("device code endpoint returned %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var flow model.DeviceAuthorization
	if err := json.Unmarshal(body, &flow); err != nil || flow.DeviceCode == "" {
		return model.DeviceAuthorization{}, &TerminalError{
			Provider: e.provider.Name,
			Reason:   ReasonMalformedResponse,
			Detail:   fmt.Sprintf("invalid device flow response: %s", strings.TrimSpace(string(body))),
		}
	}

	return flow, nil
}

// poll repeatedly exchanges the device code at the token endpoint until
// the user authorizes, a terminal error code arrives, or the flow's
// validity window elapses.
func (e *Engine) poll(ctx context.Context, flow model.DeviceAuthorization) (model.TokenResponse, error) {
	intervalSec := flow.Interval
	if intervalSec < 1 {
		intervalSec = 5
	}
	interval := time.Duration(intervalSec) * time.Second

	expiresIn := flow.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 600
	}
	deadline := e.now().Add(time.Duration(expiresIn) * time.Second)

	form := url.Values{
		"client_id":   {e.identity.ClientID},
		"device_code": {flow.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	if e.identity.ClientSecret != "" {
		form.Set("client_secret", e.identity.ClientSecret)
	}

	for e.now().Before(deadline) {
		status, resp, err := e.postToken(ctx, e.provider.TokenURL, form)
		if err != nil {
			return model.TokenResponse{}, &TerminalError{
				Provider: e.provider.Name,
				Reason:   ReasonServerError,
				Detail:   fmt.Sprintf("polling token endpoint: %v", err),
			}
		}

		if status == http.StatusOK && resp.AccessToken != "" {
			return resp, nil
		}

		switch resp.Error {
		case model.ErrorAuthorizationPending:
			e.sleep(interval)
			continue
		case model.ErrorSlowDown:
			interval += slowDownIncrement
			e.sleep(interval)
			continue
		case model.ErrorAccessDenied:
			return model.TokenResponse{}, &TerminalError{
				Provider: e.provider.Name,
				Reason:   ReasonAccessDenied,
				Detail:   "user denied the authorization request",
			}
		case model.ErrorExpiredToken:
			return model.TokenResponse{}, &TerminalError{
				Provider: e.provider.Name,
				Reason:   ReasonExpired,
				Detail:   "device code expired before authorization completed",
			}
		}

		if status >= 400 {
			return model.TokenResponse{}, &TerminalError{
				Provider: e.provider.Name,
				Reason:   ReasonServerError,
				Detail:   fmt.Sprintf("token endpoint returned %d: %s %s", status, resp.Error, resp.ErrorDescription),
			}
		}

		// A 2xx with neither a token nor a recognized error code is unusable.
		return model.TokenResponse{}, &TerminalError{
			Provider: e.provider.Name,
			Reason:   ReasonMalformedResponse,
			Detail:   fmt.Sprintf("token endpoint returned %d without an access token", status),
		}
	}

	return model.TokenResponse{}, &TerminalError{
		Provider: e.provider.Name,
		Reason:   ReasonTimeout,
		Detail:   "device authorization timed out before completion",
	}
}

// finalize builds the replacement TokenRecord from a successful exchange.
func (e *Engine) finalize(resp model.TokenResponse, scopes []string) model.TokenRecord {
	record := model.TokenRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scopes:       scopes,
	}
	if resp.ExpiresIn > 0 {
		record.ExpiresAt = e.now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return record
}

// persistToken replaces the cached record in the secure store, along with
// the identity entries future constructions resolve from.
func (e *Engine) persistToken(record model.TokenRecord, idToken string) error {
	data, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("loading secure store: %w", err)
	}

	if err := credential.Put(data, e.provider.Keys.TokenCache, record); err != nil {
		return err
	}

	if e.identity.ClientID != "" {
		data[e.provider.Keys.ClientID] = e.identity.ClientID
	}
	if e.identity.ClientSecret != "" {
		data[e.provider.Keys.ClientSecret] = e.identity.ClientSecret
	}
	if e.provider.Keys.Authority != "" && e.identity.Authority != "" {
		data[e.provider.Keys.Authority] = e.identity.Authority
	}

	if username := usernameFromIDToken(idToken); username != "" {
		e.username = username
	}
	if e.username != "" {
		data[e.provider.Keys.Username] = e.username
	}

	// Mirror the token into the nested provider-config object when one
	// exists, so tooling reading only that object stays consistent.
	if cfg, ok := data[e.provider.Keys.Config].(map[string]any); ok {
		cfg["token_value"] = record.AccessToken
		if !record.ExpiresAt.IsZero() {
			cfg["token_timestamp"] = record.ExpiresAt.Format(time.RFC3339)
		}
		if _, ok := cfg["client_id"]; !ok && e.identity.ClientID != "" {
			cfg["client_id"] = e.identity.ClientID
		}
		data[e.provider.Keys.Config] = cfg
	}

	if err := e.store.Save(data); err != nil {
		return fmt.Errorf("persisting token cache: %w", err)
	}
	return nil
}

// notifyUser shows the device-flow instructions through the injected
// callback, with a plain textual fallback.
func (e *Engine) notifyUser(flow model.DeviceAuthorization) {
	if e.notify != nil {
		e.notify(flow)
		return
	}

	target := flow.VerificationTarget()
	switch {
	case flow.Message != "":
		fmt.Println(flow.Message)
	case target != "" && flow.UserCode != "":
		fmt.Printf("Visit %s and enter code: %s\n", target, flow.UserCode)
	case target != "":
		fmt.Printf("Visit %s to authorize this device.\n", target)
	}
}

// postToken posts a form to a token endpoint and decodes the JSON body.
// Unparseable bodies decode to a zero response rather than failing, since
// error payloads matter only for their error code.
func (e *Engine) postToken(ctx context.Context, rawURL string, form url.Values) (int, model.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, model.TokenResponse{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := e.client.Do(req)
	if err != nil {
		return 0, model.TokenResponse{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, model.TokenResponse{}, fmt.Errorf("reading token response: %w", err)
	}

	var resp model.TokenResponse
	_ = json.Unmarshal(body, &resp)
	return res.StatusCode, resp, nil
}

// record forwards an event to the recorder, when one is installed.
func (e *Engine) record(ctx context.Context, kind store.EventKind, detail string) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(ctx, e.provider.Name, kind, detail)
}

// usernameFromIDToken pulls the account address from an ID token's claims
// without verifying the signature; the token arrived over TLS from the
// issuer and is used for display only.
func usernameFromIDToken(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		UPN               string `json:"upn"`
		Email             string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}

	switch {
	case claims.PreferredUsername != "":
		return claims.PreferredUsername
	case claims.UPN != "":
		return claims.UPN
	default:
		return claims.Email
	}
}
