// Package recaptcha verifies tracking form submissions against the
// Google siteverify endpoint.
package recaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"signment/internal/config"
)

const (
	requestTimeout = 5 * time.Second

	// minScore is the v3 score below which a submission is rejected.
	minScore = 0.5
)

// Verifier checks reCAPTCHA tokens. With placeholder keys every token
// passes, which keeps local development working without credentials.
type Verifier struct {
	cfg  config.RecaptchaConfig
	on   bool
	http *http.Client
	log  *zap.Logger
}

// New builds a verifier from config.
func New(cfg *config.Config, log *zap.Logger) *Verifier {
	return &Verifier{
		cfg:  cfg.Recaptcha,
		on:   cfg.RecaptchaEnabled(),
		http: &http.Client{Timeout: requestTimeout},
		log:  log,
	}
}

// Enabled reports whether real verification happens.
func (v *Verifier) Enabled() bool { return v.on }

type siteverifyResponse struct {
	Success bool `json:"success"`

	// Score is only present on v3 responses; a pointer keeps "absent"
	// distinguishable from an explicit 0.0.
	Score      *float64 `json:"score"`
	Action     string   `json:"action"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks one token. remoteIP may be empty.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if !v.on {
		return true, nil
	}
	if token == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", v.cfg.SecretKey)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.VerifyURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("siteverify: %w", err)
	}
	defer resp.Body.Close()

	var result siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode siteverify response: %w", err)
	}

	if !result.Success {
		v.log.Debug("recaptcha verification failed",
			zap.Strings("error_codes", result.ErrorCodes))
		return false, nil
	}
	// v2 responses carry no score at all; only a present score is
	// checked against the threshold.
	if result.Score != nil && *result.Score < minScore {
		v.log.Debug("recaptcha score below threshold",
			zap.Float64("score", *result.Score))
		return false, nil
	}
	return true, nil
}
