// Package setup interactively captures provider credentials into the
// secure store, so later runs can construct engines without arguments.
package setup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/nicemail/internal/auth"
)

// Values holds the answers collected by Run.
type Values struct {
	ClientID     string
	ClientSecret string
	EmailAddress string
	Authority    string
}

// Run prompts for the provider's client credentials and persists them under
// the provider's flat store keys. Existing values are offered as defaults
// and kept when the user leaves a field unchanged.
func Run(s auth.SecureStore, provider auth.Provider) (Values, error) {
	data, err := s.Load()
	if err != nil {
		return Values{}, fmt.Errorf("loading secure store: %w", err)
	}

	vals := Values{
		ClientID:     stringAt(data, provider.Keys.ClientID),
		ClientSecret: stringAt(data, provider.Keys.ClientSecret),
		EmailAddress: stringAt(data, provider.Keys.Username),
	}
	if provider.Keys.Authority != "" {
		vals.Authority = stringAt(data, provider.Keys.Authority)
		if vals.Authority == "" {
			vals.Authority = "organizations"
		}
	}

	fields := []huh.Field{
		huh.NewInput().
			Title("OAuth client ID").
			Description("The application (client) ID registered with " + provider.Name + ".").
			Value(&vals.ClientID).
			Validate(func(v string) error {
				if strings.TrimSpace(v) == "" {
					return errors.New("client ID is required")
				}
				return nil
			}),
		huh.NewInput().
			Title("OAuth client secret").
			Description("Leave empty for public clients.").
			EchoMode(huh.EchoModePassword).
			Value(&vals.ClientSecret),
		huh.NewInput().
			Title("Account email address").
			Description("The mailbox mail will be sent from.").
			Value(&vals.EmailAddress),
	}

	if provider.Keys.Authority != "" {
		fields = append(fields, huh.NewSelect[string]().
			Title("Account type").
			Options(
				huh.NewOption("Work or school (organizations)", "organizations"),
				huh.NewOption("Personal (consumers)", "consumers"),
			).
			Value(&vals.Authority))
	}

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.Run(); err != nil {
		return Values{}, fmt.Errorf("running setup form: %w", err)
	}

	vals.ClientID = strings.TrimSpace(vals.ClientID)
	vals.ClientSecret = strings.TrimSpace(vals.ClientSecret)
	vals.EmailAddress = strings.TrimSpace(vals.EmailAddress)

	data[provider.Keys.ClientID] = vals.ClientID
	if vals.ClientSecret != "" {
		data[provider.Keys.ClientSecret] = vals.ClientSecret
	}
	if vals.EmailAddress != "" {
		data[provider.Keys.Username] = vals.EmailAddress
	}
	if provider.Keys.Authority != "" && vals.Authority != "" {
		data[provider.Keys.Authority] = vals.Authority
	}

	if err := s.Save(data); err != nil {
		return Values{}, fmt.Errorf("persisting credentials: %w", err)
	}

	return vals, nil
}

// stringAt reads a flat string entry, tolerating absent or non-string values.
func stringAt(data map[string]any, key string) string {
	if key == "" {
		return ""
	}
	v, _ := data[key].(string)
	return v
}
