package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"signment/internal/store"
	"signment/internal/types"
)

// writeJSON and writeJSONError shape every API response the tracking
// page consumes.
func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, code int, errCodes ...string) {
	writeJSON(w, code, map[string]any{
		"success":     false,
		"error-codes": errCodes,
	})
}

// handleIndex serves the tracking page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	data := struct {
		RecaptchaSiteKey string
		RecaptchaEnabled bool
		TawkPropertyID   string
		TawkWidgetID     string
	}{
		RecaptchaSiteKey: s.cfg.Recaptcha.SiteKey,
		RecaptchaEnabled: s.cfg.RecaptchaEnabled(),
		TawkPropertyID:   s.cfg.Tawk.PropertyID,
		TawkWidgetID:     s.cfg.Tawk.WidgetID,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.indexTmpl.Execute(w, data); err != nil {
		s.log.Error("render index", zap.Error(err))
	}
}

// handleTrack serves the tracking form submission. It accepts form or
// JSON bodies, optionally records a notification email and kicks off
// the simulation for non-terminal shipments.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	raw, email, token := trackParams(r)
	if raw == "" {
		writeJSONError(w, http.StatusBadRequest, "missing-input")
		return
	}
	tn := types.SanitizeTrackingNumber(types.SanitizeInput(raw))
	if tn == "" {
		s.metrics.trackingLookups.WithLabelValues("invalid").Inc()
		writeJSONError(w, http.StatusBadRequest, "invalid-input-response")
		return
	}

	// A verification transport error rejects the submission the same
	// way a failed check does.
	ok, err := s.recaptcha.Verify(r.Context(), token, clientIP(r))
	if err != nil {
		s.log.Warn("recaptcha verification error", zap.Error(err))
	}
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid-input-response")
		return
	}

	details, errCode := s.details(r.Context(), tn)
	switch errCode {
	case "":
	case "not-found":
		s.metrics.trackingLookups.WithLabelValues("not_found").Inc()
		writeJSONError(w, http.StatusNotFound, "not-found")
		return
	default:
		s.metrics.trackingLookups.WithLabelValues("error").Inc()
		writeJSONError(w, http.StatusInternalServerError, errCode)
		return
	}

	if email != "" && types.ValidEmail(email) {
		if err := s.store.SetRecipientEmail(r.Context(), tn, email); err != nil {
			s.log.Warn("failed to update recipient email",
				zap.String("tracking_number", tn),
				zap.Error(err))
		} else {
			s.cache.InvalidateShipment(r.Context(), tn)
		}
	}

	if !details.Terminal() {
		s.simulator.Start(s.baseCtx, tn)
	}

	s.metrics.trackingLookups.WithLabelValues("found").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    details,
	})
}

func trackParams(r *http.Request) (trackingNumber, email, recaptchaToken string) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			TrackingNumber string `json:"tracking_number"`
			Email          string `json:"email"`
			RecaptchaToken string `json:"g-recaptcha-response"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			return body.TrackingNumber, body.Email, body.RecaptchaToken
		}
		return "", "", ""
	}
	r.ParseForm()
	return r.PostForm.Get("tracking_number"),
		r.PostForm.Get("email"),
		r.PostForm.Get("g-recaptcha-response")
}

// handleBroadcast pushes the current state of a shipment to its
// websocket subscribers. The simulator and the bot hit this endpoint
// when they run in a separate process.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	tn := types.SanitizeTrackingNumber(httprouter.ParamsFromContext(r.Context()).ByName("tracking_number"))
	if tn == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid-input-response")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
		defer cancel()
		update, errCode := s.trackingUpdate(ctx, tn)
		if errCode != "" {
			s.log.Warn("broadcast lookup failed",
				zap.String("tracking_number", tn),
				zap.String("error_code", errCode))
			return
		}
		s.hub.broadcast(tn, update)
	}()

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports per-component status. Database or SMTP trouble
// makes the whole check unhealthy; Redis and Telegram are optional.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := map[string]string{
		"status":   "healthy",
		"database": "ok",
		"redis":    "unavailable",
		"smtp":     "ok",
		"telegram": "unavailable",
	}

	if err := s.store.Ping(ctx); err != nil {
		status["status"] = "unhealthy"
		status["database"] = err.Error()
	}
	if err := s.cache.Ping(ctx); err != nil {
		status["redis"] = err.Error()
	} else {
		status["redis"] = s.cache.Backend()
	}
	if s.smtpCheck != nil {
		if err := s.smtpCheck(ctx); err != nil {
			status["status"] = "unhealthy"
			status["smtp"] = err.Error()
		}
	}
	if s.telegramCheck != nil {
		if err := s.telegramCheck(ctx); err != nil {
			status["telegram"] = err.Error()
		} else {
			status["telegram"] = "ok"
		}
	}

	code := http.StatusOK
	if status["status"] != "healthy" {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, status)
}

// handleTelegramWebhook feeds webhook updates into the bot dispatcher
// when webhook mode is configured.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if s.telegramWebhook == nil {
		writeJSONError(w, http.StatusNotFound, "not-found")
		return
	}
	s.telegramWebhook.ServeHTTP(w, r)
}

// details returns a shipment with its simulation flags, serving the
// shipment body from cache when fresh.
func (s *Server) details(ctx context.Context, tn string) (*types.Details, string) {
	sh, ok := s.cache.GetShipment(ctx, tn)
	if !ok {
		var err error
		sh, err = s.store.Get(ctx, tn)
		if errors.Is(err, store.ErrNotFound) {
			return nil, "not-found"
		}
		if err != nil {
			s.log.Error("shipment lookup failed",
				zap.String("tracking_number", tn),
				zap.Error(err))
			return nil, "database-error"
		}
		if err := s.cache.SetShipment(ctx, sh); err != nil {
			s.log.Warn("shipment cache write failed", zap.Error(err))
		}
	}

	paused, _ := s.cache.Paused(ctx, tn)
	speed, _ := s.cache.Speed(ctx, tn)
	return &types.Details{
		Shipment:        *sh,
		Paused:          paused,
		SpeedMultiplier: speed,
	}, ""
}

// trackingUpdate builds the websocket payload for one shipment,
// including geocoded checkpoint coordinates for the map.
func (s *Server) trackingUpdate(ctx context.Context, tn string) (map[string]any, string) {
	details, errCode := s.details(ctx, tn)
	if errCode != "" {
		return nil, errCode
	}

	var coords []map[string]any
	if s.geocoder != nil {
		locations := make([]string, 0, len(details.Checkpoints)+1)
		for _, cp := range details.Checkpoints {
			locations = append(locations, types.CheckpointLocation(cp))
		}
		locations = append(locations, details.DeliveryLocation)
		for _, p := range s.geocoder.LookupAll(ctx, locations) {
			coords = append(coords, map[string]any{
				"lat":  p.Lat,
				"lon":  p.Lon,
				"desc": p.Location,
			})
		}
	}

	return map[string]any{
		"event":             "tracking_update",
		"tracking_number":   tn,
		"status":            details.Status,
		"checkpoints":       details.Checkpoints,
		"delivery_location": details.DeliveryLocation,
		"coords":            coords,
		"found":             true,
		"paused":            details.Paused,
		"speed_multiplier":  details.SpeedMultiplier,
		"success":           true,
	}, ""
}

// PublishUpdate implements the simulator's publisher hook: committed
// transitions go straight to the websocket subscribers.
func (s *Server) PublishUpdate(sh *types.Shipment) {
	if s.hub.subscriberCount(sh.TrackingNumber) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
	defer cancel()
	update, errCode := s.trackingUpdate(ctx, sh.TrackingNumber)
	if errCode != "" {
		return
	}
	s.hub.broadcast(sh.TrackingNumber, update)
}
