package composio

import "strings"

// Toolkit is a Composio integration the agent can use.
type Toolkit struct {
	Slug         string
	Name         string
	AuthConfigID string
	// Keywords in a user message that refer to this toolkit.
	Keywords []string
}

// ToolkitConfig is bound from the *_AUTH_CONFIG_ID variables.
type ToolkitConfig struct {
	GmailAuthConfigID       string `envconfig:"GMAIL_AUTH_CONFIG_ID"`
	GoogleDriveAuthConfigID string `envconfig:"GOOGLEDRIVE_AUTH_CONFIG_ID"`
}

const (
	SlugGmail       = "gmail"
	SlugGoogleDrive = "googledrive"
)

// Toolkits returns the toolkits that have an auth config, in routing order.
func (c ToolkitConfig) Toolkits() Toolkits {
	var out Toolkits
	if c.GmailAuthConfigID != "" {
		out = append(out, Toolkit{
			Slug:         SlugGmail,
			Name:         "Gmail",
			AuthConfigID: c.GmailAuthConfigID,
			Keywords:     []string{"gmail", "email"},
		})
	}
	if c.GoogleDriveAuthConfigID != "" {
		out = append(out, Toolkit{
			Slug:         SlugGoogleDrive,
			Name:         "Google Drive",
			AuthConfigID: c.GoogleDriveAuthConfigID,
			Keywords:     []string{"drive"},
		})
	}
	return out
}

type Toolkits []Toolkit

// Find returns the toolkit with slug, matching case-insensitively.
func (ts Toolkits) Find(slug string) (Toolkit, bool) {
	for _, t := range ts {
		if strings.EqualFold(t.Slug, slug) {
			return t, true
		}
	}
	return Toolkit{}, false
}

// Resolve accepts a slug or an upper-case name such as GMAIL or GOOGLE_DRIVE.
func (ts Toolkits) Resolve(name string) (Toolkit, bool) {
	return ts.Find(strings.ReplaceAll(name, "_", ""))
}

func (ts Toolkits) Slugs() []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Slug
	}
	return out
}

// Mentions reports whether text refers to the toolkit. text must be lower case.
func (t Toolkit) Mentions(text string) bool {
	for _, k := range t.Keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// MentionsName reports whether text names the toolkit itself rather than a
// generic keyword, e.g. "gmail" but not "email". text must be lower case.
func (t Toolkit) MentionsName(text string) bool {
	return strings.Contains(text, t.Slug) || strings.Contains(text, strings.ToLower(t.Name))
}
