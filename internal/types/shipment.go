// Package types holds the shipment entity and the validation helpers
// shared by the server, simulator, bot and worker.
package types

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// Terminal statuses. A shipment in one of these states is never
// simulated again.
const (
	StatusPending        = "Pending"
	StatusInTransit      = "In_Transit"
	StatusOutForDelivery = "Out_for_Delivery"
	StatusDelivered      = "Delivered"
	StatusReturned       = "Returned"
	StatusDelayed        = "Delayed"
)

// DefaultValidStatuses is the status universe used when VALID_STATUSES
// is not configured.
var DefaultValidStatuses = []string{
	StatusPending,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
	StatusReturned,
	StatusDelayed,
}

var (
	trackingNumberRe = regexp.MustCompile(`^TRK\d{14}[A-Z0-9]{6}$`)
	nonAlnumRe       = regexp.MustCompile(`[^A-Z0-9]+`)
	emailRe          = regexp.MustCompile(`^[\w.+-]+@[\w.-]+\.\w+$`)
	webhookRe        = regexp.MustCompile(`^https?://[^\s/$.?#].[^\s]*$`)
)

// Shipment is the tracked entity. Checkpoints are stored joined with
// ";" in the database and split at the store boundary.
type Shipment struct {
	ID                 int64     `json:"-"`
	TrackingNumber     string    `json:"tracking_number"`
	Status             string    `json:"status"`
	Checkpoints        []string  `json:"checkpoints"`
	DeliveryLocation   string    `json:"delivery_location"`
	OriginLocation     string    `json:"origin_location"`
	RecipientEmail     string    `json:"recipient_email,omitempty"`
	WebhookURL         string    `json:"webhook_url,omitempty"`
	EmailNotifications bool      `json:"email_notifications"`
	CreatedAt          time.Time `json:"created_at"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Terminal reports whether the shipment has reached a final state.
func (s *Shipment) Terminal() bool {
	return s.Status == StatusDelivered || s.Status == StatusReturned
}

// Details is a Shipment decorated with the simulation flags kept in the
// cache rather than the database.
type Details struct {
	Shipment
	Paused          bool    `json:"paused"`
	SpeedMultiplier float64 `json:"speed_multiplier"`
}

// SanitizeTrackingNumber uppercases the input, strips everything that
// is not alphanumeric and validates the TRK<timestamp><suffix> shape.
// It returns "" when the input cannot be a tracking number.
func SanitizeTrackingNumber(raw string) string {
	tn := nonAlnumRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "")
	if !trackingNumberRe.MatchString(tn) {
		return ""
	}
	return tn
}

// SanitizeInput removes everything except word characters, whitespace
// and dashes. Used on free-form user input before it reaches queries.
func SanitizeInput(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == ' ' || r == '\t':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidEmail reports whether addr looks like a deliverable address.
func ValidEmail(addr string) bool {
	return addr != "" && len(addr) <= 120 && emailRe.MatchString(addr)
}

// ValidLocation bounds location strings; route membership is checked
// separately against the configured templates.
func ValidLocation(loc string) bool {
	return loc != "" && len(loc) <= 100
}

// ValidWebhookURL accepts http(s) URLs without whitespace.
func ValidWebhookURL(u string) bool {
	return u != "" && len(u) <= 200 && webhookRe.MatchString(u)
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewTrackingNumber generates a TRK id from the current timestamp and a
// random 6 character suffix. Uniqueness is enforced by the caller
// against the store.
func NewTrackingNumber(now time.Time) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return fmt.Sprintf("TRK%s%s", now.Format("20060102150405"), suffix)
}

// CheckpointLine formats a checkpoint the way the tracking page and the
// notification templates expect it.
func CheckpointLine(at time.Time, location, event string) string {
	return fmt.Sprintf("%s - %s - %s", at.Format("2006-01-02 15:04"), location, event)
}

// CheckpointLocation extracts the location part of a checkpoint line,
// or "" when the line does not have one.
func CheckpointLocation(line string) string {
	parts := strings.Split(line, " - ")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// JoinCheckpoints and SplitCheckpoints convert between the stored
// ";"-joined form and the in-memory slice.
func JoinCheckpoints(cps []string) string {
	return strings.Join(cps, ";")
}

func SplitCheckpoints(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}
