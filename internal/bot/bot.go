// Package bot is the Telegram admin surface: shipment CRUD, simulation
// control and bulk actions, restricted to the configured admin IDs.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signment/internal/cache"
	"signment/internal/config"
	"signment/internal/simulator"
	"signment/internal/store"
)

const (
	// userBudget and userWindow bound how fast one user can drive the
	// bot.
	userBudget = 10
	userWindow = time.Minute

	listPageSize = 5
)

// Bot wraps the Telegram client and its handler state.
type Bot struct {
	cfg   *config.Config
	store *store.Store
	cache cache.Cache
	sim   *simulator.Simulator
	log   *zap.Logger

	bot        *gotgbot.Bot
	dispatcher *ext.Dispatcher
	updater    *ext.Updater
	http       *http.Client

	limitsMu sync.Mutex
	limits   map[int64]*rate.Limiter

	baseCtx context.Context
}

// New connects to the Telegram API and registers every handler.
func New(cfg *config.Config, st *store.Store, c cache.Cache, sim *simulator.Simulator, log *zap.Logger) (*Bot, error) {
	tg, err := gotgbot.NewBot(cfg.Telegram.BotToken, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}

	b := &Bot{
		cfg:     cfg,
		store:   st,
		cache:   c,
		sim:     sim,
		log:     log,
		bot:     tg,
		http:    &http.Client{Timeout: 10 * time.Second},
		limits:  make(map[int64]*rate.Limiter),
		baseCtx: context.Background(),
	}

	b.dispatcher = ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(_ *gotgbot.Bot, _ *ext.Context, err error) ext.DispatcherAction {
			log.Error("handler error", zap.Error(err))
			return ext.DispatcherActionNoop
		},
	})
	b.updater = ext.NewUpdater(b.dispatcher, nil)
	b.register()

	log.Info("telegram bot connected", zap.String("username", tg.Username))
	return b, nil
}

func (b *Bot) register() {
	type cmd struct {
		name  string
		admin bool
		fn    func(*gotgbot.Bot, *ext.Context) error
	}
	for _, c := range []cmd{
		{"start", false, b.cmdStart},
		{"help", false, b.cmdHelp},
		{"myid", false, b.cmdMyID},
		{"track", false, b.cmdTrack},
		{"menu", true, b.cmdMenu},
		{"stats", true, b.cmdStats},
		{"search", true, b.cmdSearch},
		{"list", true, b.cmdList},
		{"add", true, b.cmdAdd},
		{"update", true, b.cmdUpdate},
		{"delete", true, b.cmdDelete},
		{"notify", true, b.cmdNotify},
		{"webhook", true, b.cmdWebhook},
		{"generate_id", true, b.cmdGenerateID},
		{"bulk_action", true, b.cmdBulkAction},
	} {
		b.dispatcher.AddHandler(handlers.NewCommand(c.name, b.guard(c.admin, c.fn)))
	}
	b.dispatcher.AddHandler(handlers.NewCallback(callbackquery.All, b.guardCallback(b.onCallback)))
}

// guard applies the per-user rate limit and the admin gate.
func (b *Bot) guard(adminOnly bool, fn func(*gotgbot.Bot, *ext.Context) error) func(*gotgbot.Bot, *ext.Context) error {
	return func(tg *gotgbot.Bot, ctx *ext.Context) error {
		user := ctx.EffectiveUser
		if user == nil {
			return nil
		}
		if !b.allow(user.Id) {
			_, err := ctx.EffectiveMessage.Reply(tg,
				"Too many requests. Wait a minute and try again.", nil)
			return err
		}
		if adminOnly && !b.cfg.IsAdmin(user.Id) {
			b.log.Warn("unauthorized command",
				zap.Int64("user_id", user.Id),
				zap.String("text", ctx.EffectiveMessage.Text))
			_, err := ctx.EffectiveMessage.Reply(tg,
				"You are not authorized to manage shipments. Use /myid to get your ID.", nil)
			return err
		}
		return fn(tg, ctx)
	}
}

func (b *Bot) guardCallback(fn func(*gotgbot.Bot, *ext.Context) error) func(*gotgbot.Bot, *ext.Context) error {
	return func(tg *gotgbot.Bot, ctx *ext.Context) error {
		user := ctx.EffectiveUser
		if user == nil || !b.allow(user.Id) {
			return nil
		}
		if !b.cfg.IsAdmin(user.Id) {
			_, err := ctx.Update.CallbackQuery.Answer(tg, &gotgbot.AnswerCallbackQueryOpts{
				Text: "Not authorized.",
			})
			return err
		}
		return fn(tg, ctx)
	}
}

func (b *Bot) allow(userID int64) bool {
	b.limitsMu.Lock()
	defer b.limitsMu.Unlock()
	l, ok := b.limits[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(userWindow/userBudget), userBudget)
		b.limits[userID] = l
	}
	return l.Allow()
}

// Run delivers updates until ctx is cancelled. With a webhook URL
// configured the web tier feeds updates in through WebhookHandler and
// Run only registers the webhook; otherwise it long-polls.
func (b *Bot) Run(ctx context.Context) error {
	b.baseCtx = ctx

	if b.cfg.Telegram.WebhookURL != "" {
		_, err := b.bot.SetWebhook(b.cfg.Telegram.WebhookURL, nil)
		if err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		b.log.Info("webhook registered", zap.String("url", b.cfg.Telegram.WebhookURL))
		<-ctx.Done()
		return ctx.Err()
	}

	// Polling mode owns update delivery, so drop any stale webhook.
	if _, err := b.bot.DeleteWebhook(nil); err != nil {
		b.log.Warn("failed to delete webhook", zap.Error(err))
	}
	err := b.updater.StartPolling(b.bot, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 30,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 35 * time.Second,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	b.log.Info("bot polling for updates")

	<-ctx.Done()
	if err := b.updater.Stop(); err != nil {
		b.log.Warn("updater stop failed", zap.Error(err))
	}
	return ctx.Err()
}

// WebhookHandler decodes Telegram webhook POSTs and hands them to the
// dispatcher. Mounted by the web tier at /telegram/webhook.
func (b *Bot) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update gotgbot.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			b.log.Warn("invalid webhook payload", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := b.dispatcher.ProcessUpdate(b.bot, &update, nil); err != nil {
			b.log.Error("webhook update failed", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// HealthCheck probes the Telegram API, for the health endpoint.
func (b *Bot) HealthCheck(ctx context.Context) error {
	_, err := b.bot.GetMe(&gotgbot.GetMeOpts{
		RequestOpts: &gotgbot.RequestOpts{Timeout: 5 * time.Second},
	})
	return err
}

// notifyWeb asks the web tier to push the shipment's current state to
// its websocket subscribers. Best effort.
func (b *Bot) notifyWeb(trackingNumber string) {
	base := strings.TrimSuffix(b.cfg.Server.PublicBaseURL, "/")
	if base == "" {
		return
	}
	go func() {
		resp, err := b.http.Get(base + "/broadcast/" + trackingNumber)
		if err != nil {
			b.log.Debug("broadcast request failed", zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}
