package registry

import (
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_MissingCredentialsOmitsProvider(t *testing.T) {
	r, err := Load(Options{Getenv: envMap(map[string]string{
		"GITHUB_CLIENT_ID": "id-only",
	})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.IsAvailable(GitHub) {
		t.Fatal("github should be unavailable without secret and redirect")
	}
	if got := r.ListAvailable(); len(got) != 0 {
		t.Fatalf("ListAvailable() = %v, want empty", got)
	}
	if rows := r.Contract(); len(rows) != 10 {
		t.Fatalf("Contract() has %d rows, want 10", len(rows))
	}
}

func TestLoad_FamilyFallbackAndTenant(t *testing.T) {
	r, err := Load(Options{Getenv: envMap(map[string]string{
		"ATLASSIAN_CLIENT_ID":       "atl-id",
		"ATLASSIAN_CLIENT_SECRET":   "atl-secret",
		"ATLASSIAN_REDIRECT_URI":    "https://app.example/callback/atlassian",
		"CONFLUENCE_CLIENT_ID":      "conf-id",
		"MICROSOFT_CLIENT_ID":       "ms-id",
		"MICROSOFT_CLIENT_SECRET":   "ms-secret",
		"MICROSOFT_TENANT_ID":       "contoso",
		"PUBLIC_BASE_URL":           "https://app.example/",
		"GOOGLE_CLIENT_ID":          "g-id",
		"GOOGLE_CLIENT_SECRET":      "g-secret",
		"GOOGLE_WORKSPACE_AUTH_URL": "https://accounts.example/auth",
	})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{Confluence, GoogleWorkspace, Jira, OneDrive, OneNote, Outlook, Teams}
	if got := r.ListAvailable(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ListAvailable() = %v, want %v", got, want)
	}

	jira, _ := r.Get(Jira)
	if jira.ClientID != "atl-id" {
		t.Errorf("jira client id = %q, want family fallback", jira.ClientID)
	}
	conf, _ := r.Get(Confluence)
	if conf.ClientID != "conf-id" || conf.ClientSecret != "atl-secret" {
		t.Errorf("confluence = %q/%q, want tool id with family secret", conf.ClientID, conf.ClientSecret)
	}

	outlook, _ := r.Get(Outlook)
	if !strings.Contains(outlook.AuthURL, "/contoso/") {
		t.Errorf("outlook auth url = %q, want tenant contoso", outlook.AuthURL)
	}
	if outlook.RedirectURI != "https://app.example/callback/outlook" {
		t.Errorf("outlook redirect = %q, want derived from base url", outlook.RedirectURI)
	}

	google, _ := r.Get(GoogleWorkspace)
	if google.AuthURL != "https://accounts.example/auth" {
		t.Errorf("google auth url = %q, want env override", google.AuthURL)
	}
}

func TestLoad_FileOverridesDefaultsAndEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	cfg := `providers:
  - tool: github
    token_url: https://ghe.example/login/oauth/access_token
    scopes: repo
    auth_style: header
    extra:
      allow_signup: "false"
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	r, err := Load(Options{File: path, Getenv: envMap(map[string]string{
		"GITHUB_CLIENT_ID":     "gh-id",
		"GITHUB_CLIENT_SECRET": "gh-secret",
		"GITHUB_REDIRECT_URI":  "https://app.example/callback/github",
		"GITHUB_SCOPES":        "repo read:user",
	})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	gh, ok := r.Get(GitHub)
	if !ok {
		t.Fatal("github should be available")
	}
	if gh.TokenURL != "https://ghe.example/login/oauth/access_token" {
		t.Errorf("token url = %q, want file override", gh.TokenURL)
	}
	if gh.Scopes != "repo read:user" {
		t.Errorf("scopes = %q, want env override", gh.Scopes)
	}

	oc := r.OAuthConfig(GitHub)
	if oc.Endpoint.AuthStyle != oauth2.AuthStyleInHeader {
		t.Errorf("auth style = %v, want header", oc.Endpoint.AuthStyle)
	}
	if !reflect.DeepEqual(oc.Scopes, []string{"repo", "read:user"}) {
		t.Errorf("scopes = %v", oc.Scopes)
	}

	u, err := url.Parse(oc.AuthCodeURL("st", r.AuthCodeOptions(GitHub)...))
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if u.Query().Get("allow_signup") != "false" {
		t.Errorf("auth url missing extra param: %s", u)
	}
}

func TestLoad_UnreadableFile(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "missing.yaml"), Getenv: envMap(nil)})
	if err == nil {
		t.Fatal("expected error for missing overrides file")
	}
}

func TestOAuthConfig_SlackJoinsScopesWithComma(t *testing.T) {
	r, err := Load(Options{Getenv: envMap(map[string]string{
		"SLACK_CLIENT_ID":     "s-id",
		"SLACK_CLIENT_SECRET": "s-secret",
		"SLACK_REDIRECT_URI":  "https://app.example/callback/slack",
	})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	oc := r.OAuthConfig(Slack)
	if len(oc.Scopes) != 1 || oc.Scopes[0] != "channels:history,channels:read,users:read" {
		t.Fatalf("slack scopes = %v", oc.Scopes)
	}
	if r.OAuthConfig(Figma) != nil {
		t.Fatal("OAuthConfig for unavailable tool should be nil")
	}
}

func TestMatchesCallback(t *testing.T) {
	r := New(
		ProviderConfig{Tool: Jira, Family: FamilyAtlassian, ClientID: "a", ClientSecret: "b", RedirectURI: "c",
			AuthURL: "d", TokenURL: "e", CallbackNames: atlassianCallbacks},
		ProviderConfig{Tool: GitHub, ClientID: "a", ClientSecret: "b", RedirectURI: "c", AuthURL: "d", TokenURL: "e"},
	)

	cases := []struct {
		path, tool string
		want       bool
	}{
		{"jira", Jira, true},
		{"atlassian", Jira, true},
		{"confluence", Jira, true},
		{"github", GitHub, true},
		{"jira", GitHub, false},
		{"github", Jira, false},
		{"slack", Slack, false},
	}
	for _, tc := range cases {
		if got := r.MatchesCallback(tc.path, tc.tool); got != tc.want {
			t.Errorf("MatchesCallback(%q, %q) = %v, want %v", tc.path, tc.tool, got, tc.want)
		}
	}
}

func TestContract_ListsEnvAndConfiguredFlag(t *testing.T) {
	r, err := Load(Options{Getenv: envMap(map[string]string{
		"FIGMA_CLIENT_ID":     "f-id",
		"FIGMA_CLIENT_SECRET": "f-secret",
		"FIGMA_REDIRECT_URI":  "https://app.example/callback/figma",
	})})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, row := range r.Contract() {
		switch row.Tool {
		case Figma:
			if !row.Configured {
				t.Error("figma should be configured")
			}
		case Teams:
			if row.Configured {
				t.Error("teams should not be configured")
			}
			if !contains(row.EnvVars, "MICROSOFT_TENANT_ID") || !contains(row.EnvVars, "TEAMS_CLIENT_ID") {
				t.Errorf("teams env vars = %v", row.EnvVars)
			}
			if row.DefaultScope == "" {
				t.Error("teams default scope missing")
			}
		}
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
