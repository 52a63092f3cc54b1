package auth

import (
	"fmt"
	"strings"
)

// Identity is the resolved provider identity an engine authenticates as.
// Resolution order for every field: explicit constructor option, then the
// flat store key, then the nested provider-config object, then (scopes
// only) the provider default.
type Identity struct {
	ClientID     string
	ClientSecret string
	Authority    string
	Scopes       []string
}

// resolveIdentity fills the gaps in an explicitly supplied identity from
// the decrypted store mapping. A missing client id is a construction-time
// error naming both acceptable storage locations.
func resolveIdentity(explicit Identity, data map[string]any, p Provider) (Identity, error) {
	id := explicit
	id.Scopes = normalizeScopes(id.Scopes)

	if id.ClientID == "" {
		id.ClientID = extractString(data, p.Keys.ClientID, p.Keys.Config, "client_id")
	}
	if id.ClientSecret == "" {
		id.ClientSecret = extractString(data, p.Keys.ClientSecret, p.Keys.Config, "client_secret")
	}
	if id.Authority == "" && p.Keys.Authority != "" {
		id.Authority = extractString(data, p.Keys.Authority, p.Keys.Config, "authority")
	}
	if len(id.Scopes) == 0 {
		id.Scopes = extractScopes(data, p.Keys.Config)
	}
	if len(id.Scopes) == 0 {
		id.Scopes = p.DefaultScopes
	}

	if id.ClientID == "" {
		return Identity{}, &ConfigError{
			Message: fmt.Sprintf(
				"client_id is required for the %s device flow; provide it directly or store it under %q or %q.client_id",
				p.Name, p.Keys.ClientID, p.Keys.Config,
			),
		}
	}

	return id, nil
}

// extractString resolves a string setting from the flat key, falling back
// to a field of the nested provider-config object.
func extractString(data map[string]any, flatKey, configKey, field string) string {
	if v, ok := data[flatKey].(string); ok && v != "" {
		return v
	}
	cfg, ok := data[configKey].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := cfg[field].(string); ok && v != "" {
		return v
	}
	return ""
}

// extractScopes reads the nested provider-config object's scopes field,
// which may be a list or a space-separated string.
func extractScopes(data map[string]any, configKey string) []string {
	cfg, ok := data[configKey].(map[string]any)
	if !ok {
		return nil
	}
	switch raw := cfg["scopes"].(type) {
	case []any:
		var scopes []string
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				scopes = append(scopes, s)
			}
		}
		return scopes
	case []string:
		return normalizeScopes(raw)
	case string:
		return splitScopes(raw)
	default:
		return nil
	}
}

// normalizeScopes drops empty entries and trims whitespace.
func normalizeScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitScopes parses a space-separated scope string.
func splitScopes(raw string) []string {
	return normalizeScopes(strings.Split(raw, " "))
}
