// Package config loads the server configuration from flags and environment
// variables.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/ehr/lantern/internal/domain/tenant"
)

// Config is the resolved server configuration.
type Config struct {
	Listen        string
	Tenants       []TenantSpec
	SmartRequired []string

	ChatSite     string
	ChatIdentity string
	ChatKey      string
}

// TenantSpec is one --tenant flag value, parsed.
type TenantSpec struct {
	Name         string
	Version      tenant.Version
	BaseURL      string
	LoadDir      string
	MaxResources int
}

// Load resolves configuration: CLI flag values win, environment variables
// (CHAT_SITE, CHAT_IDENTITY, CHAT_KEY, LISTEN) fill the gaps.
func Load(listen string, tenantFlags, smartRequired []string, chatSite, chatID, chatKey string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LISTEN", "0.0.0.0:5826")
	for _, key := range []string{"LISTEN", "CHAT_SITE", "CHAT_IDENTITY", "CHAT_KEY"} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		Listen:        listen,
		SmartRequired: smartRequired,
		ChatSite:      chatSite,
		ChatIdentity:  chatID,
		ChatKey:       chatKey,
	}
	if cfg.Listen == "" {
		cfg.Listen = v.GetString("LISTEN")
	}
	if cfg.ChatSite == "" {
		cfg.ChatSite = v.GetString("CHAT_SITE")
	}
	if cfg.ChatIdentity == "" {
		cfg.ChatIdentity = v.GetString("CHAT_IDENTITY")
	}
	if cfg.ChatKey == "" {
		cfg.ChatKey = v.GetString("CHAT_KEY")
	}

	for _, raw := range tenantFlags {
		spec, err := ParseTenantSpec(raw)
		if err != nil {
			return nil, err
		}
		cfg.Tenants = append(cfg.Tenants, spec)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one --tenant is required")
	}
	names := map[string]bool{}
	for _, t := range c.Tenants {
		if names[t.Name] {
			return fmt.Errorf("duplicate tenant name %q", t.Name)
		}
		names[t.Name] = true
	}
	for _, name := range c.SmartRequired {
		if !names[name] {
			return fmt.Errorf("--smart-required names unknown tenant %q", name)
		}
	}
	chatFields := 0
	for _, f := range []string{c.ChatSite, c.ChatIdentity, c.ChatKey} {
		if f != "" {
			chatFields++
		}
	}
	if chatFields != 0 && chatFields != 3 {
		return fmt.Errorf("chat webhook configuration requires site, identity, and key together")
	}
	return nil
}

// SmartRequiredFor reports whether a tenant enforces SMART authorization.
func (c *Config) SmartRequiredFor(name string) bool {
	for _, n := range c.SmartRequired {
		if n == name {
			return true
		}
	}
	return false
}

// ParseTenantSpec parses "name:version:base-url[:loadDir][:maxResources]".
// The base URL may itself contain colons; the optional load directory must
// start with "/" or "./" to stay distinguishable, and the optional resource
// cap is the trailing all-digit segment.
func ParseTenantSpec(raw string) (TenantSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return TenantSpec{}, fmt.Errorf("tenant spec %q: want name:version:base-url", raw)
	}
	spec := TenantSpec{Name: parts[0]}
	switch strings.ToUpper(parts[1]) {
	case "R4":
		spec.Version = tenant.R4
	case "R4B":
		spec.Version = tenant.R4B
	case "R5":
		spec.Version = tenant.R5
	default:
		return TenantSpec{}, fmt.Errorf("tenant spec %q: unknown version %q (want R4, R4B, or R5)", raw, parts[1])
	}

	rest := parts[2:]
	// Trailing all-digit segment is the resource cap.
	if len(rest) > 1 {
		last := rest[len(rest)-1]
		if n, err := strconv.Atoi(last); err == nil {
			spec.MaxResources = n
			rest = rest[:len(rest)-1]
		}
	}
	// A trailing path-looking segment is the load directory.
	if len(rest) > 1 {
		last := rest[len(rest)-1]
		if strings.HasPrefix(last, "/") && !strings.HasPrefix(last, "//") || strings.HasPrefix(last, "./") {
			spec.LoadDir = last
			rest = rest[:len(rest)-1]
		}
	}
	spec.BaseURL = strings.TrimSuffix(strings.Join(rest, ":"), "/")
	if spec.Name == "" || spec.BaseURL == "" {
		return TenantSpec{}, fmt.Errorf("tenant spec %q: name and base-url are required", raw)
	}
	return spec, nil
}
