package oidc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/marcus-qen/ecoscan/internal/auth"
)

// Config controls optional OpenID Connect sign-in.
type Config struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	ProviderURL  string   `json:"provider_url,omitempty" yaml:"provider_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	RedirectURL  string   `json:"redirect_url,omitempty" yaml:"redirect_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	// RoleClaim names the claim holding groups used for RoleMapping.
	RoleClaim string `json:"role_claim,omitempty" yaml:"role_claim,omitempty"`
	// RoleMapping maps a claim value to an ecoscan role. SUPERADMIN can
	// never be granted from a claim.
	RoleMapping     map[string]string `json:"role_mapping,omitempty" yaml:"role_mapping,omitempty"`
	DefaultRole     string            `json:"default_role,omitempty" yaml:"default_role,omitempty"`
	AutoCreateUsers bool              `json:"auto_create_users" yaml:"auto_create_users"`
	ProviderName    string            `json:"provider_name,omitempty" yaml:"provider_name,omitempty"`
}

// DefaultConfig returns a disabled config.
func DefaultConfig() Config {
	return Config{
		Scopes:          []string{"openid", "email", "profile"},
		RoleClaim:       "groups",
		RoleMapping:     map[string]string{},
		DefaultRole:     string(auth.RoleUser),
		AutoCreateUsers: true,
	}
}

// ApplyEnv overlays ECOSCAN_OIDC_* environment variables onto cfg.
func ApplyEnv(cfg Config) Config {
	cfg = cfg.normalize()

	if v, ok := envBool("ECOSCAN_OIDC_ENABLED"); ok {
		cfg.Enabled = v
	}
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	str("ECOSCAN_OIDC_PROVIDER_URL", &cfg.ProviderURL)
	str("ECOSCAN_OIDC_CLIENT_ID", &cfg.ClientID)
	str("ECOSCAN_OIDC_CLIENT_SECRET", &cfg.ClientSecret)
	str("ECOSCAN_OIDC_REDIRECT_URL", &cfg.RedirectURL)
	str("ECOSCAN_OIDC_ROLE_CLAIM", &cfg.RoleClaim)
	str("ECOSCAN_OIDC_DEFAULT_ROLE", &cfg.DefaultRole)
	str("ECOSCAN_OIDC_PROVIDER_NAME", &cfg.ProviderName)
	if v := strings.TrimSpace(os.Getenv("ECOSCAN_OIDC_SCOPES")); v != "" {
		cfg.Scopes = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("ECOSCAN_OIDC_ROLE_MAPPING")); v != "" {
		if m, err := parseRoleMapping(v); err == nil {
			cfg.RoleMapping = m
		}
	}
	if v, ok := envBool("ECOSCAN_OIDC_AUTO_CREATE_USERS"); ok {
		cfg.AutoCreateUsers = v
	}

	return cfg.normalize()
}

// Validate checks required settings when OIDC is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var missing []string
	for name, v := range map[string]string{
		"provider_url":  c.ProviderURL,
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
		"redirect_url":  c.RedirectURL,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("oidc config missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// EffectiveProviderName returns ProviderName or one derived from the
// provider host.
func (c Config) EffectiveProviderName() string {
	if name := strings.TrimSpace(c.ProviderName); name != "" {
		return name
	}
	if u, err := url.Parse(strings.TrimSpace(c.ProviderURL)); err == nil {
		if part := strings.Split(u.Hostname(), ".")[0]; part != "" {
			return strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return "OIDC"
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.RoleClaim) == "" {
		c.RoleClaim = def.RoleClaim
	}
	if r := mappableRole(c.DefaultRole); r != "" {
		c.DefaultRole = string(r)
	} else {
		c.DefaultRole = def.DefaultRole
	}
	mapping := make(map[string]string, len(c.RoleMapping))
	for k, v := range c.RoleMapping {
		if r := mappableRole(v); r != "" {
			mapping[k] = string(r)
		}
	}
	c.RoleMapping = mapping

	seen := make(map[string]struct{}, len(c.Scopes))
	scopes := make([]string, 0, len(c.Scopes))
	for _, s := range c.Scopes {
		s = strings.TrimSpace(s)
		if _, dup := seen[s]; s == "" || dup {
			continue
		}
		seen[s] = struct{}{}
		scopes = append(scopes, s)
	}
	if len(scopes) == 0 {
		scopes = def.Scopes
	}
	c.Scopes = scopes
	return c
}

// mappableRole parses a role that may be granted from claims.
func mappableRole(s string) auth.Role {
	r, err := auth.ParseRole(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil || r == auth.RoleSuperadmin {
		return ""
	}
	return r
}

func parseCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseRoleMapping accepts a JSON object or "group=ROLE,group=ROLE".
func parseRoleMapping(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("parse role mapping json: %w", err)
		}
		return parsed, nil
	}
	mapping := make(map[string]string)
	for _, pair := range parseCSV(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid role mapping entry %q", pair)
		}
		if k = strings.TrimSpace(k); k != "" {
			mapping[k] = strings.TrimSpace(v)
		}
	}
	return mapping, nil
}

func envBool(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v, true
	}
	switch strings.ToLower(raw) {
	case "yes", "y", "on":
		return true, true
	case "no", "n", "off":
		return false, true
	}
	return false, false
}
