// Package registry resolves OAuth client configuration for every supported
// tool from built-in defaults, an optional YAML overrides file and the
// environment. A Registry is immutable once built.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pysugar/toolbridge/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

const (
	GitHub          = "github"
	Jira            = "jira"
	Confluence      = "confluence"
	GoogleWorkspace = "google_workspace"
	Outlook         = "outlook"
	Teams           = "teams"
	OneDrive        = "onedrive"
	OneNote         = "onenote"
	Figma           = "figma"
	Slack           = "slack"

	FamilyGitHub    = "github"
	FamilyAtlassian = "atlassian"
	FamilyGoogle    = "google"
	FamilyMicrosoft = "microsoft"
	FamilyFigma     = "figma"
	FamilySlack     = "slack"

	AuthStyleAuto   = "auto"
	AuthStyleParams = "params"
	AuthStyleHeader = "header"

	// FileEnv names the YAML overrides file when Options.File is empty.
	FileEnv = "TOOLBRIDGE_PROVIDERS_FILE"
)

// ProviderConfig is the resolved OAuth client configuration for one tool.
type ProviderConfig struct {
	Tool         string            `json:"tool"`
	Family       string            `json:"family"`
	ClientID     string            `json:"-"`
	ClientSecret string            `json:"-"`
	RedirectURI  string            `json:"redirect_uri"`
	AuthURL      string            `json:"auth_url"`
	TokenURL     string            `json:"token_url"`
	Scopes       string            `json:"scopes"`
	Extra        map[string]string `json:"extra,omitempty"`
	// CallbackNames are the {provider} path segments accepted on /callback/{provider}.
	CallbackNames []string `json:"callback_names"`
	ConsoleURL    string   `json:"console_url,omitempty"`
	AuthStyle     string   `json:"auth_style"`
	// ScopeDelimiter joins scopes in the authorization URL; empty means a space.
	ScopeDelimiter string `json:"-"`
}

// CallbackPaths renders CallbackNames as URL paths.
func (p ProviderConfig) CallbackPaths() []string {
	paths := make([]string, 0, len(p.CallbackNames))
	for _, name := range p.CallbackNames {
		paths = append(paths, "/callback/"+name)
	}
	return paths
}

func (p ProviderConfig) complete() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.RedirectURI != "" &&
		p.AuthURL != "" && p.TokenURL != ""
}

// ContractRow describes a tool for operators: where its settings come from
// and whether it is usable.
type ContractRow struct {
	Tool          string   `json:"tool"`
	Family        string   `json:"family"`
	EnvVars       []string `json:"env_vars"`
	CallbackPaths []string `json:"callback_paths"`
	ConsoleURL    string   `json:"console_url,omitempty"`
	DefaultScope  string   `json:"default_scope"`
	Configured    bool     `json:"configured"`
}

// Options controls Load.
type Options struct {
	// File is a YAML overrides file. Falls back to $TOOLBRIDGE_PROVIDERS_FILE.
	File string
	// PublicBaseURL derives redirect URIs that are not set explicitly.
	// Falls back to $PUBLIC_BASE_URL.
	PublicBaseURL string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	Logger *zap.Logger
}

// Registry holds the configured providers.
type Registry struct {
	providers map[string]ProviderConfig
	contract  []ContractRow
}

type fileConfig struct {
	Providers []fileProvider `yaml:"providers"`
}

type fileProvider struct {
	Tool        string            `yaml:"tool"`
	ClientID    string            `yaml:"client_id"`
	RedirectURI string            `yaml:"redirect_uri"`
	AuthURL     string            `yaml:"auth_url"`
	TokenURL    string            `yaml:"token_url"`
	Scopes      string            `yaml:"scopes"`
	Extra       map[string]string `yaml:"extra"`
	AuthStyle   string            `yaml:"auth_style"`
	ConsoleURL  string            `yaml:"console_url"`
}

// New builds a registry from explicit configs. Incomplete configs are skipped.
func New(configs ...ProviderConfig) *Registry {
	r := &Registry{providers: make(map[string]ProviderConfig, len(configs))}
	for _, cfg := range configs {
		cfg.Tool = normalizeTool(cfg.Tool)
		if cfg.Family == "" {
			cfg.Family = cfg.Tool
		}
		if len(cfg.CallbackNames) == 0 {
			cfg.CallbackNames = []string{cfg.Tool}
		}
		if cfg.AuthStyle == "" {
			cfg.AuthStyle = AuthStyleAuto
		}
		configured := cfg.complete()
		if configured {
			r.providers[cfg.Tool] = cfg
		}
		r.contract = append(r.contract, ContractRow{
			Tool:          cfg.Tool,
			Family:        cfg.Family,
			CallbackPaths: cfg.CallbackPaths(),
			ConsoleURL:    cfg.ConsoleURL,
			DefaultScope:  cfg.Scopes,
			Configured:    configured,
		})
	}
	sort.Slice(r.contract, func(i, j int) bool { return r.contract[i].Tool < r.contract[j].Tool })
	return r
}

// Load resolves every known tool. Tools missing a client id, secret or
// redirect URI are left out and logged; only an unreadable overrides file
// is an error.
func Load(opts Options) (*Registry, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := logging.OrNop(opts.Logger).Named("registry")

	path := strings.TrimSpace(opts.File)
	if path == "" {
		path = strings.TrimSpace(getenv(FileEnv))
	}
	overrides, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimSpace(opts.PublicBaseURL)
	if baseURL == "" {
		baseURL = strings.TrimSpace(getenv("PUBLIC_BASE_URL"))
	}
	baseURL = strings.TrimRight(baseURL, "/")

	defaults := builtinDefaults(tenantID(getenv))
	configs := make([]ProviderConfig, 0, len(defaults))
	envVars := make(map[string][]string, len(defaults))
	for _, def := range defaults {
		cfg := def
		if fp, ok := overrides[cfg.Tool]; ok {
			applyFile(&cfg, fp)
		}
		prefixes := envPrefixes(cfg)
		envVars[cfg.Tool] = contractEnv(prefixes, cfg.Family)

		lookup := func(suffix string) string {
			for _, prefix := range prefixes {
				if v := strings.TrimSpace(getenv(prefix + "_" + suffix)); v != "" {
					return v
				}
			}
			return ""
		}
		setIf(&cfg.ClientID, lookup("CLIENT_ID"))
		setIf(&cfg.ClientSecret, lookup("CLIENT_SECRET"))
		setIf(&cfg.RedirectURI, lookup("REDIRECT_URI"))
		setIf(&cfg.AuthURL, lookup("AUTH_URL"))
		setIf(&cfg.TokenURL, lookup("TOKEN_URL"))
		setIf(&cfg.Scopes, lookup("SCOPES"))
		if cfg.RedirectURI == "" && baseURL != "" {
			cfg.RedirectURI = baseURL + "/callback/" + cfg.Tool
		}

		if !cfg.complete() {
			logger.Warn("provider not configured",
				zap.String("tool", cfg.Tool),
				zap.Strings("env", envVars[cfg.Tool][:2]))
		}
		configs = append(configs, cfg)
	}

	r := New(configs...)
	for i := range r.contract {
		r.contract[i].EnvVars = envVars[r.contract[i].Tool]
		r.contract[i].DefaultScope = defaultScope(defaults, r.contract[i].Tool)
	}
	logger.Info("providers loaded", zap.Strings("available", r.ListAvailable()))
	return r, nil
}

// Get returns the configuration for tool.
func (r *Registry) Get(tool string) (ProviderConfig, bool) {
	cfg, ok := r.providers[normalizeTool(tool)]
	if !ok {
		return ProviderConfig{}, false
	}
	cfg.Extra = copyMap(cfg.Extra)
	cfg.CallbackNames = append([]string(nil), cfg.CallbackNames...)
	return cfg, true
}

// IsAvailable reports whether tool is fully configured.
func (r *Registry) IsAvailable(tool string) bool {
	_, ok := r.providers[normalizeTool(tool)]
	return ok
}

// ListAvailable returns the configured tools, sorted.
func (r *Registry) ListAvailable() []string {
	tools := make([]string, 0, len(r.providers))
	for tool := range r.providers {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}

// Contract returns one row per known tool, configured or not.
func (r *Registry) Contract() []ContractRow {
	rows := make([]ContractRow, len(r.contract))
	copy(rows, r.contract)
	return rows
}

// OAuthConfig returns an oauth2 client config for tool, or nil if the tool
// is not available.
func (r *Registry) OAuthConfig(tool string) *oauth2.Config {
	cfg, ok := r.providers[normalizeTool(tool)]
	if !ok {
		return nil
	}
	scopes := strings.Fields(cfg.Scopes)
	if cfg.ScopeDelimiter != "" && len(scopes) > 1 {
		scopes = []string{strings.Join(scopes, cfg.ScopeDelimiter)}
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: authStyle(cfg.AuthStyle),
		},
	}
}

// AuthCodeOptions returns the provider's extra authorization parameters in a
// stable order.
func (r *Registry) AuthCodeOptions(tool string) []oauth2.AuthCodeOption {
	cfg, ok := r.providers[normalizeTool(tool)]
	if !ok || len(cfg.Extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(cfg.Extra))
	for k := range cfg.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, cfg.Extra[k]))
	}
	return opts
}

// MatchesCallback reports whether a callback received on
// /callback/{pathProvider} may complete a flow started for tool.
func (r *Registry) MatchesCallback(pathProvider, tool string) bool {
	cfg, ok := r.providers[normalizeTool(tool)]
	if !ok {
		return false
	}
	pathProvider = normalizeTool(pathProvider)
	for _, name := range cfg.CallbackNames {
		if name == pathProvider {
			return true
		}
	}
	return false
}

func loadFile(path string) (map[string]fileProvider, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file %q: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers file %q: %w", path, err)
	}
	out := make(map[string]fileProvider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		tool := normalizeTool(p.Tool)
		if tool == "" {
			continue
		}
		out[tool] = p
	}
	return out, nil
}

func applyFile(cfg *ProviderConfig, fp fileProvider) {
	setIf(&cfg.ClientID, strings.TrimSpace(fp.ClientID))
	setIf(&cfg.RedirectURI, strings.TrimSpace(fp.RedirectURI))
	setIf(&cfg.AuthURL, strings.TrimSpace(fp.AuthURL))
	setIf(&cfg.TokenURL, strings.TrimSpace(fp.TokenURL))
	setIf(&cfg.Scopes, strings.TrimSpace(fp.Scopes))
	setIf(&cfg.ConsoleURL, strings.TrimSpace(fp.ConsoleURL))
	if style := strings.ToLower(strings.TrimSpace(fp.AuthStyle)); style != "" {
		cfg.AuthStyle = style
	}
	if len(fp.Extra) > 0 {
		merged := copyMap(cfg.Extra)
		if merged == nil {
			merged = make(map[string]string, len(fp.Extra))
		}
		for k, v := range fp.Extra {
			merged[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		cfg.Extra = merged
	}
}

// envPrefixes returns the env prefixes consulted for cfg, most specific first.
func envPrefixes(cfg ProviderConfig) []string {
	prefixes := []string{strings.ToUpper(cfg.Tool)}
	switch cfg.Family {
	case FamilyAtlassian, FamilyMicrosoft, FamilyGoogle:
		if family := strings.ToUpper(cfg.Family); family != prefixes[0] {
			prefixes = append(prefixes, family)
		}
	}
	return prefixes
}

func contractEnv(prefixes []string, family string) []string {
	var vars []string
	for _, prefix := range prefixes {
		vars = append(vars, prefix+"_CLIENT_ID", prefix+"_CLIENT_SECRET", prefix+"_REDIRECT_URI")
	}
	if family == FamilyMicrosoft {
		vars = append(vars, "MICROSOFT_TENANT_ID")
	}
	return vars
}

func tenantID(getenv func(string) string) string {
	if v := strings.TrimSpace(getenv("MICROSOFT_TENANT_ID")); v != "" {
		return v
	}
	return "common"
}

func defaultScope(defaults []ProviderConfig, tool string) string {
	for _, d := range defaults {
		if d.Tool == tool {
			return d.Scopes
		}
	}
	return ""
}

func authStyle(style string) oauth2.AuthStyle {
	switch style {
	case AuthStyleParams:
		return oauth2.AuthStyleInParams
	case AuthStyleHeader:
		return oauth2.AuthStyleInHeader
	default:
		return oauth2.AuthStyleAutoDetect
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func normalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
