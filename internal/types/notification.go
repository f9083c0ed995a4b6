package types

// Notification kinds accepted on the queue.
const (
	NotificationEmail   = "email"
	NotificationWebhook = "webhook"
)

// Notification is a queued delivery request. Data carries the shipment
// fields frozen at enqueue time so the worker does not re-read the
// database.
type Notification struct {
	TrackingNumber string           `json:"tracking_number"`
	Type           string           `json:"type"`
	Data           NotificationData `json:"data"`
}

// NotificationData is the payload for both delivery kinds; unused
// fields stay empty.
type NotificationData struct {
	Status           string   `json:"status"`
	Checkpoints      []string `json:"checkpoints"`
	DeliveryLocation string   `json:"delivery_location"`
	RecipientEmail   string   `json:"recipient_email,omitempty"`
	WebhookURL       string   `json:"webhook_url,omitempty"`
}
