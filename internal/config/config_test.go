package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signment/internal/types"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.SecretKey = "s"
	require.NoError(t, cfg.ValidateServe())
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Simulator.MaxSimulationDays)
	assert.Contains(t, cfg.Simulator.ValidStatuses, types.StatusDelivered)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
smtp:
  host: mail.internal
`), 0o644))

	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("ALLOWED_ADMINS", "123, 456")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port, "yaml overrides default")
	assert.Equal(t, "mail.internal", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port, "env overrides yaml layer")
	assert.Equal(t, []int64{123, 456}, cfg.Telegram.AllowedAdmins)
	assert.Equal(t, "tok", cfg.Telegram.BotToken)
}

func TestLoadBadEnvValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateServe(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECRET_KEY")

	cfg.Server.SecretKey = "s"
	cfg.Server.Port = 0
	assert.Error(t, cfg.ValidateServe())

	cfg.Server.Port = 8000
	cfg.Simulator.Transitions["Pending"] = StatusTransition{
		Next:          []string{"Nope"},
		Probabilities: []float64{1.0},
	}
	err = cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nope")
}

func TestValidateSimulatorProbabilityMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.SecretKey = "s"
	cfg.Simulator.Transitions[types.StatusPending] = StatusTransition{
		Next:          []string{types.StatusInTransit},
		Probabilities: []float64{0.5, 0.5},
	}
	assert.Error(t, cfg.ValidateServe())
}

func TestValidateBotAndWorker(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateBot())
	cfg.Telegram.BotToken = "tok"
	assert.NoError(t, cfg.ValidateBot())

	assert.NoError(t, cfg.ValidateWorker())
	cfg.SMTP.Host = ""
	assert.Error(t, cfg.ValidateWorker())
}

func TestIsAdmin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telegram.AllowedAdmins = []int64{42}
	assert.True(t, cfg.IsAdmin(42))
	assert.False(t, cfg.IsAdmin(7))
}

func TestRecaptchaEnabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.RecaptchaEnabled(), "empty key")
	cfg.Recaptcha.SecretKey = "your-secret-key"
	assert.False(t, cfg.RecaptchaEnabled(), "placeholder key")
	cfg.Recaptcha.SecretKey = "6LcRealKey"
	assert.True(t, cfg.RecaptchaEnabled())
}

func TestRouteFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Len(t, cfg.RouteFor("New York, NY", ""), 4)
	assert.Len(t, cfg.RouteFor("Elsewhere", "London, UK"), 4, "falls back to origin")
	assert.Equal(t, []string{"Elsewhere"}, cfg.RouteFor("Elsewhere", "Nowhere"))
}

func TestTrackingAndUnsubscribeURLs(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "http://localhost:8000/track?tracking_number=TRK1", cfg.TrackingURL("TRK1"))

	cfg.Server.PublicBaseURL = "https://track.example.com/"
	assert.Equal(t, "https://track.example.com/track?tracking_number=TRK1", cfg.TrackingURL("TRK1"))
	assert.Equal(t, "https://track.example.com/unsubscribe?email=a@b.c", cfg.UnsubscribeURL("a@b.c"))
}
