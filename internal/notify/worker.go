package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signment/internal/cache"
	"signment/internal/config"
	"signment/internal/types"
)

const (
	popTimeout = time.Second
	errorPause = 5 * time.Second
)

// Worker drains the notification queue and fans deliveries out to the
// email and webhook senders. Failed emails go back on the queue;
// failed webhooks are dropped after logging, since the endpoint will
// see the next transition anyway.
type Worker struct {
	cfg     *config.Config
	cache   cache.Cache
	email   EmailSender
	webhook *WebhookSender
	log     *zap.Logger
}

// NewWorker wires a queue worker.
func NewWorker(cfg *config.Config, c cache.Cache, email EmailSender, webhook *WebhookSender, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, cache: c, email: email, webhook: webhook, log: log}
}

// Run processes notifications until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("notification worker started", zap.String("cache", w.cache.Backend()))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := w.cache.PopNotification(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("queue read failed", zap.Error(err))
			select {
			case <-time.After(errorPause):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if n == nil {
			continue
		}
		w.process(ctx, n)
	}
}

func (w *Worker) process(ctx context.Context, n *types.Notification) {
	log := w.log.With(
		zap.String("tracking_number", n.TrackingNumber),
		zap.String("type", n.Type))

	switch n.Type {
	case types.NotificationEmail:
		if err := w.sendEmail(ctx, n); err != nil {
			log.Error("email notification failed, re-queueing", zap.Error(err))
			if qerr := w.cache.PushNotification(ctx, *n); qerr != nil {
				log.Error("re-queue failed, notification lost", zap.Error(qerr))
			}
			return
		}
		log.Info("email notification sent",
			zap.String("to", n.Data.RecipientEmail))

	case types.NotificationWebhook:
		payload := WebhookPayload{
			TrackingNumber:   n.TrackingNumber,
			Status:           n.Data.Status,
			Checkpoints:      n.Data.Checkpoints,
			DeliveryLocation: n.Data.DeliveryLocation,
		}
		if err := w.webhook.Send(ctx, n.Data.WebhookURL, payload); err != nil {
			log.Warn("webhook notification failed", zap.Error(err))
			return
		}
		log.Info("webhook notification sent",
			zap.String("url", n.Data.WebhookURL))

	default:
		log.Warn("dropping notification of unknown type")
	}
}

func (w *Worker) sendEmail(ctx context.Context, n *types.Notification) error {
	textBody, htmlBody, err := RenderEmail(w.cfg, n.TrackingNumber,
		n.Data.Status, n.Data.DeliveryLocation, n.Data.Checkpoints, n.Data.RecipientEmail)
	if err != nil {
		return err
	}
	subject := "Shipment Update for " + n.TrackingNumber
	return w.email.Send(ctx, n.Data.RecipientEmail, subject, textBody, htmlBody)
}
