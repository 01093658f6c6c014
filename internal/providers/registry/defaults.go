package registry

import "golang.org/x/oauth2/endpoints"

var (
	atlassianCallbacks = []string{Jira, Confluence, FamilyAtlassian}
	microsoftCallbacks = []string{Outlook, Teams, OneDrive, OneNote, FamilyMicrosoft}
)

func builtinDefaults(tenant string) []ProviderConfig {
	azure := endpoints.AzureAD(tenant)
	microsoft := func(tool, scopes string) ProviderConfig {
		return ProviderConfig{
			Tool:          tool,
			Family:        FamilyMicrosoft,
			AuthURL:       azure.AuthURL,
			TokenURL:      azure.TokenURL,
			Scopes:        scopes,
			CallbackNames: microsoftCallbacks,
			ConsoleURL:    "https://portal.azure.com/#view/Microsoft_AAD_RegisteredApps",
			AuthStyle:     AuthStyleParams,
		}
	}
	atlassian := func(tool, scopes string) ProviderConfig {
		return ProviderConfig{
			Tool:     tool,
			Family:   FamilyAtlassian,
			AuthURL:  "https://auth.atlassian.com/authorize",
			TokenURL: "https://auth.atlassian.com/oauth/token",
			Scopes:   scopes,
			Extra: map[string]string{
				"audience": "api.atlassian.com",
				"prompt":   "consent",
			},
			CallbackNames: atlassianCallbacks,
			ConsoleURL:    "https://developer.atlassian.com/console/myapps/",
			AuthStyle:     AuthStyleParams,
		}
	}

	return []ProviderConfig{
		{
			Tool:          GitHub,
			Family:        FamilyGitHub,
			AuthURL:       endpoints.GitHub.AuthURL,
			TokenURL:      endpoints.GitHub.TokenURL,
			Scopes:        "repo read:user read:org",
			CallbackNames: []string{GitHub},
			ConsoleURL:    "https://github.com/settings/developers",
			AuthStyle:     AuthStyleAuto,
		},
		atlassian(Jira, "read:jira-work read:jira-user offline_access"),
		atlassian(Confluence, "read:confluence-content.all read:confluence-space.summary offline_access"),
		{
			Tool:     GoogleWorkspace,
			Family:   FamilyGoogle,
			AuthURL:  endpoints.Google.AuthURL,
			TokenURL: endpoints.Google.TokenURL,
			Scopes:   "https://www.googleapis.com/auth/drive.readonly https://www.googleapis.com/auth/calendar.readonly",
			Extra: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
			CallbackNames: []string{GoogleWorkspace},
			ConsoleURL:    "https://console.cloud.google.com/apis/credentials",
			AuthStyle:     AuthStyleParams,
		},
		microsoft(Outlook, "offline_access Mail.Read User.Read"),
		microsoft(Teams, "offline_access Chat.Read ChannelMessage.Read.All User.Read"),
		microsoft(OneDrive, "offline_access Files.Read.All User.Read"),
		microsoft(OneNote, "offline_access Notes.Read.All User.Read"),
		{
			Tool:          Figma,
			Family:        FamilyFigma,
			AuthURL:       "https://www.figma.com/oauth",
			TokenURL:      "https://api.figma.com/v1/oauth/token",
			Scopes:        "files:read",
			CallbackNames: []string{Figma},
			ConsoleURL:    "https://www.figma.com/developers/apps",
			AuthStyle:     AuthStyleParams,
		},
		{
			Tool:           Slack,
			Family:         FamilySlack,
			AuthURL:        "https://slack.com/oauth/v2/authorize",
			TokenURL:       "https://slack.com/api/oauth.v2.access",
			Scopes:         "channels:history channels:read users:read",
			CallbackNames:  []string{Slack},
			ConsoleURL:     "https://api.slack.com/apps",
			AuthStyle:      AuthStyleParams,
			ScopeDelimiter: ",",
		},
	}
}
