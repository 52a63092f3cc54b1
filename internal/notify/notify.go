// Package notify renders device-flow sign-in instructions for a human.
package notify

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/nicemail/internal/model"
	"github.com/nhle/nicemail/internal/theme"
)

// Func presents device-flow instructions to the user.
type Func func(model.DeviceAuthorization)

// Plain returns a callback that writes the original one-line instruction
// to w. It is the fallback for non-terminal contexts (logs, CI).
func Plain(w io.Writer) Func {
	return func(flow model.DeviceAuthorization) {
		target := flow.VerificationTarget()
		switch {
		case flow.Message != "":
			fmt.Fprintln(w, flow.Message)
		case target != "" && flow.UserCode != "":
			fmt.Fprintf(w, "Visit %s and enter code: %s\n", target, flow.UserCode)
		case target != "":
			fmt.Fprintf(w, "Visit %s to authorize this device.\n", target)
		}
	}
}

// Terminal returns a callback that renders a styled instruction panel to
// stdout.
func Terminal() Func {
	return TerminalTo(os.Stdout)
}

// TerminalTo renders the styled panel to w.
func TerminalTo(w io.Writer) Func {
	return func(flow model.DeviceAuthorization) {
		target := flow.VerificationTarget()
		if target == "" && flow.Message != "" {
			fmt.Fprintln(w, flow.Message)
			return
		}

		lines := []string{
			theme.HeaderStyle.Render("Sign in required"),
			"",
			"Open " + theme.URLStyle.Render(target),
		}
		if flow.UserCode != "" {
			lines = append(lines,
				"Enter code "+theme.CodeStyle.Render(flow.UserCode),
			)
		}
		if flow.ExpiresIn > 0 {
			lines = append(lines, "",
				theme.HintStyle.Render(fmt.Sprintf("The code expires in about %d minutes.", flow.ExpiresIn/60)),
			)
		}

		panel := theme.PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
		fmt.Fprintln(w, panel)
	}
}
