// Package config loads signment configuration from defaults, an
// optional yaml file and environment variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"signment/internal/types"
)

// Config holds all signment configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Recaptcha RecaptchaConfig `yaml:"recaptcha"`
	Geocoding GeocodingConfig `yaml:"geocoding"`
	Tawk      TawkConfig      `yaml:"tawk"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the web tier.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	SecretKey string `yaml:"secret_key"`

	// PublicBaseURL is the externally reachable origin, used for
	// tracking links, health keep-alive and the Telegram webhook.
	PublicBaseURL string `yaml:"public_base_url"`

	// GlobalWebhookURL receives shipment updates when a shipment has
	// no webhook of its own.
	GlobalWebhookURL string `yaml:"global_webhook_url"`

	// Rate limits per client IP.
	RateLimitPerHour int `yaml:"rate_limit_per_hour"`
	RateLimitPerDay  int `yaml:"rate_limit_per_day"`
}

// DatabaseConfig selects the shipment store backend. URL schemes:
// sqlite://path or postgres://...
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the optional cache/queue backend. An empty
// URL selects the in-process fallback.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SMTPConfig configures email delivery.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	From string `yaml:"from"`
}

// TelegramConfig configures the admin bot.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`

	// WebhookURL switches the bot from long polling to webhook
	// delivery through the web tier when set.
	WebhookURL string `yaml:"webhook_url"`

	// AllowedAdmins are the Telegram user IDs allowed to manage
	// shipments.
	AllowedAdmins []int64 `yaml:"allowed_admins"`
}

// RecaptchaConfig configures form verification. Placeholder keys
// disable verification entirely.
type RecaptchaConfig struct {
	SiteKey   string `yaml:"site_key"`
	SecretKey string `yaml:"secret_key"`
	VerifyURL string `yaml:"verify_url"`
}

// GeocodingConfig configures checkpoint geocoding.
type GeocodingConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// TawkConfig carries the chat widget identifiers injected into the
// tracking page.
type TawkConfig struct {
	PropertyID string `yaml:"property_id"`
	WidgetID   string `yaml:"widget_id"`
}

// SimulatorConfig configures the tracking simulation engine.
type SimulatorConfig struct {
	ValidStatuses  []string                    `yaml:"valid_statuses"`
	RouteTemplates map[string][]string         `yaml:"route_templates"`
	Transitions    map[string]StatusTransition `yaml:"transitions"`

	// MaxSimulationDays bounds a single simulation run.
	MaxSimulationDays int `yaml:"max_simulation_days"`
}

// StatusTransition describes how a status advances: candidate next
// states with matching selection probabilities, a delay window in
// seconds, and optional event texts recorded as checkpoints.
type StatusTransition struct {
	Next          []string  `yaml:"next" json:"next"`
	DelaySeconds  [2]int    `yaml:"delay" json:"delay"`
	Probabilities []float64 `yaml:"probabilities" json:"probabilities"`
	Events        []string  `yaml:"events" json:"events"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "signment",
		Version: "1.2.0",
		Server: ServerConfig{
			Port:             8000,
			RateLimitPerHour: 50,
			RateLimitPerDay:  200,
		},
		Database: DatabaseConfig{
			URL: "sqlite://instance/signment.db",
		},
		SMTP: SMTPConfig{
			Host: "smtp.gmail.com",
			Port: 587,
			From: "no-reply@example.com",
		},
		Recaptcha: RecaptchaConfig{
			VerifyURL: "https://www.google.com/recaptcha/api/siteverify",
		},
		Geocoding: GeocodingConfig{
			BaseURL: "https://geocode.maps.co/search",
		},
		Simulator: SimulatorConfig{
			ValidStatuses:     append([]string(nil), types.DefaultValidStatuses...),
			RouteTemplates:    DefaultRouteTemplates(),
			Transitions:       DefaultTransitions(),
			MaxSimulationDays: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultRouteTemplates returns the built-in delivery routes.
func DefaultRouteTemplates() map[string][]string {
	return map[string][]string{
		"Lagos, NG":    {"Lagos, NG", "Abuja, NG", "Port Harcourt, NG", "Kano, NG"},
		"New York, NY": {"New York, NY", "Chicago, IL", "Los Angeles, CA", "Miami, FL"},
		"London, UK":   {"London, UK", "Manchester, UK", "Birmingham, UK", "Edinburgh, UK"},
	}
}

// DefaultTransitions returns the built-in status machine.
func DefaultTransitions() map[string]StatusTransition {
	return map[string]StatusTransition{
		types.StatusPending: {
			Next:          []string{types.StatusInTransit},
			DelaySeconds:  [2]int{60, 300},
			Probabilities: []float64{1.0},
		},
		types.StatusInTransit: {
			Next:          []string{types.StatusOutForDelivery, types.StatusDelayed},
			DelaySeconds:  [2]int{120, 600},
			Probabilities: []float64{0.9, 0.1},
			Events:        []string{"Delayed due to weather", "Customs inspection"},
		},
		types.StatusOutForDelivery: {
			Next:          []string{types.StatusDelivered},
			DelaySeconds:  [2]int{60, 300},
			Probabilities: []float64{1.0},
		},
		types.StatusDelayed: {
			Next:          []string{types.StatusOutForDelivery},
			DelaySeconds:  [2]int{300, 1200},
			Probabilities: []float64{1.0},
			Events:        []string{"Resolved delay"},
		},
		types.StatusDelivered: {},
		types.StatusReturned:  {},
	}
}

// Load reads the optional yaml file at path, applies environment
// overrides and returns the merged configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment. Unset
// variables leave the current value alone.
func (c *Config) applyEnv() error {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = p
	}
	setStr(&c.Server.SecretKey, "SECRET_KEY")
	// WEBSOCKET_SERVER is the legacy name for the public origin.
	setStr(&c.Server.PublicBaseURL, "WEBSOCKET_SERVER")
	setStr(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	setStr(&c.Server.GlobalWebhookURL, "GLOBAL_WEBHOOK_URL")

	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Redis.URL, "REDIS_URL")

	setStr(&c.SMTP.Host, "SMTP_HOST")
	if v, ok := os.LookupEnv("SMTP_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_PORT %q: %w", v, err)
		}
		c.SMTP.Port = p
	}
	setStr(&c.SMTP.User, "SMTP_USER")
	setStr(&c.SMTP.Pass, "SMTP_PASS")
	setStr(&c.SMTP.From, "SMTP_FROM")

	setStr(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setStr(&c.Telegram.WebhookURL, "WEBHOOK_URL")
	if v, ok := os.LookupEnv("ALLOWED_ADMINS"); ok {
		admins, err := parseAdminList(v)
		if err != nil {
			return err
		}
		c.Telegram.AllowedAdmins = admins
	}

	setStr(&c.Recaptcha.SiteKey, "RECAPTCHA_SITE_KEY")
	setStr(&c.Recaptcha.SecretKey, "RECAPTCHA_SECRET_KEY")
	setStr(&c.Geocoding.APIKey, "GEOCODING_API_KEY")
	setStr(&c.Tawk.PropertyID, "TAWK_PROPERTY_ID")
	setStr(&c.Tawk.WidgetID, "TAWK_WIDGET_ID")

	if v, ok := os.LookupEnv("VALID_STATUSES"); ok {
		var statuses []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, s)
			}
		}
		c.Simulator.ValidStatuses = statuses
	}
	if v, ok := os.LookupEnv("ROUTE_TEMPLATES"); ok {
		templates := map[string][]string{}
		if err := json.Unmarshal([]byte(v), &templates); err != nil {
			return fmt.Errorf("invalid ROUTE_TEMPLATES: %w", err)
		}
		c.Simulator.RouteTemplates = templates
	}
	if v, ok := os.LookupEnv("STATUS_TRANSITIONS"); ok {
		transitions := map[string]StatusTransition{}
		if err := json.Unmarshal([]byte(v), &transitions); err != nil {
			return fmt.Errorf("invalid STATUS_TRANSITIONS: %w", err)
		}
		c.Simulator.Transitions = transitions
	}

	setStr(&c.Logging.Level, "LOG_LEVEL")
	return nil
}

func parseAdminList(v string) ([]int64, error) {
	var admins []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOWED_ADMINS entry %q: %w", part, err)
		}
		admins = append(admins, id)
	}
	return admins, nil
}

// ValidateServe checks the settings the web tier cannot start without.
func (c *Config) ValidateServe() error {
	var missing []string
	if c.Server.SecretKey == "" {
		missing = append(missing, "SECRET_KEY")
	}
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return c.validateSimulator()
}

// ValidateBot checks the settings the admin bot cannot start without.
func (c *Config) ValidateBot() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("missing required configuration: TELEGRAM_BOT_TOKEN")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("missing required configuration: DATABASE_URL")
	}
	return nil
}

// ValidateWorker checks the settings the notification worker cannot
// start without.
func (c *Config) ValidateWorker() error {
	if c.SMTP.Host == "" || c.SMTP.From == "" {
		return fmt.Errorf("missing required configuration: SMTP_HOST/SMTP_FROM")
	}
	return nil
}

func (c *Config) validateSimulator() error {
	valid := map[string]bool{}
	for _, s := range c.Simulator.ValidStatuses {
		valid[s] = true
	}
	for status, tr := range c.Simulator.Transitions {
		if !valid[status] {
			return fmt.Errorf("transition from unknown status %q", status)
		}
		if len(tr.Probabilities) > 0 && len(tr.Probabilities) != len(tr.Next) {
			return fmt.Errorf("status %q: %d probabilities for %d next states",
				status, len(tr.Probabilities), len(tr.Next))
		}
		for _, next := range tr.Next {
			if !valid[next] {
				return fmt.Errorf("status %q: unknown next status %q", status, next)
			}
		}
		if tr.DelaySeconds[0] > tr.DelaySeconds[1] {
			return fmt.Errorf("status %q: delay window [%d,%d] inverted",
				status, tr.DelaySeconds[0], tr.DelaySeconds[1])
		}
	}
	return nil
}

// ValidStatus reports whether s is in the configured status universe.
func (c *Config) ValidStatus(s string) bool {
	for _, v := range c.Simulator.ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsAdmin reports whether a Telegram user may use the admin bot.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AllowedAdmins {
		if id == userID {
			return true
		}
	}
	return false
}

// RecaptchaEnabled reports whether real verification should happen.
// Placeholder keys from the sample env disable it.
func (c *Config) RecaptchaEnabled() bool {
	k := c.Recaptcha.SecretKey
	return k != "" && !strings.Contains(k, "your-secret-key")
}

// RouteFor returns the route template for a delivery location, falling
// back to the origin's template and then to a single-hop route.
func (c *Config) RouteFor(delivery, origin string) []string {
	if route, ok := c.Simulator.RouteTemplates[delivery]; ok && len(route) > 0 {
		return route
	}
	if route, ok := c.Simulator.RouteTemplates[origin]; ok && len(route) > 0 {
		return route
	}
	return []string{delivery}
}

// KnownLocation reports whether loc is a configured route endpoint.
func (c *Config) KnownLocation(loc string) bool {
	_, ok := c.Simulator.RouteTemplates[loc]
	return ok
}

// TrackingURL builds the public tracking link for notifications.
func (c *Config) TrackingURL(trackingNumber string) string {
	base := strings.TrimSuffix(c.Server.PublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	return fmt.Sprintf("%s/track?tracking_number=%s", base, trackingNumber)
}

// UnsubscribeURL builds the unsubscribe link for notification emails.
func (c *Config) UnsubscribeURL(email string) string {
	base := strings.TrimSuffix(c.Server.PublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	return fmt.Sprintf("%s/unsubscribe?email=%s", base, email)
}
