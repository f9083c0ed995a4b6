package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"go.uber.org/zap"

	"signment/internal/store"
	"signment/internal/types"
)

const commandTimeout = 15 * time.Second

func (b *Bot) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.baseCtx, commandTimeout)
}

func reply(tg *gotgbot.Bot, ctx *ext.Context, text string) error {
	_, err := ctx.EffectiveMessage.Reply(tg, text, &gotgbot.SendMessageOpts{
		ParseMode: "Markdown",
	})
	return err
}

func replyMarkup(tg *gotgbot.Bot, ctx *ext.Context, text string, markup gotgbot.InlineKeyboardMarkup) error {
	_, err := ctx.EffectiveMessage.Reply(tg, text, &gotgbot.SendMessageOpts{
		ParseMode:   "Markdown",
		ReplyMarkup: markup,
	})
	return err
}

// args returns the text after the command, split on whitespace.
func args(ctx *ext.Context) []string {
	fields := strings.Fields(ctx.EffectiveMessage.Text)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}

// rest returns the raw text after the command, preserving spaces.
func rest(ctx *ext.Context) string {
	text := ctx.EffectiveMessage.Text
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return ""
}

func (b *Bot) cmdStart(tg *gotgbot.Bot, ctx *ext.Context) error {
	text := "Welcome to the Signment admin bot.\n\n" +
		"Track a shipment with /track <tracking number>.\n" +
		"Admins: /menu opens the management menu, /help lists every command."
	return reply(tg, ctx, text)
}

func (b *Bot) cmdHelp(tg *gotgbot.Bot, ctx *ext.Context) error {
	text := "*Commands*\n" +
		"/track <tn> - shipment status\n" +
		"/myid - your Telegram ID\n\n" +
		"*Admin commands*\n" +
		"/menu - management menu\n" +
		"/stats - shipment counts by status\n" +
		"/list [page] - browse shipments\n" +
		"/search <query> - search tracking number, status or destination\n" +
		"/add <tn> | <status> | <delivery> | [origin] | [email] - create a shipment\n" +
		"/update <tn> <status> - set a shipment's status\n" +
		"/delete <tn> - delete a shipment\n" +
		"/notify <tn> <email> - set the notification address and send an update\n" +
		"/webhook <tn> <url|off> - set or remove the shipment's webhook\n" +
		"/generate\\_id - mint a fresh tracking number\n" +
		"/bulk\\_action - pause, resume or delete in bulk"
	return reply(tg, ctx, text)
}

func (b *Bot) cmdMyID(tg *gotgbot.Bot, ctx *ext.Context) error {
	return reply(tg, ctx, fmt.Sprintf("Your Telegram ID: `%d`", ctx.EffectiveUser.Id))
}

func (b *Bot) cmdTrack(tg *gotgbot.Bot, ctx *ext.Context) error {
	a := args(ctx)
	if len(a) == 0 {
		return reply(tg, ctx, "Usage: /track <tracking number>")
	}
	tn := types.SanitizeTrackingNumber(a[0])
	if tn == "" {
		return reply(tg, ctx, "That does not look like a valid tracking number.")
	}

	opCtx, cancel := b.opCtx()
	defer cancel()
	details, err := b.details(opCtx, tn)
	if errors.Is(err, store.ErrNotFound) {
		return reply(tg, ctx, fmt.Sprintf("No shipment found for `%s`.", tn))
	}
	if err != nil {
		return reply(tg, ctx, "Lookup failed, try again shortly.")
	}
	return reply(tg, ctx, formatDetails(details))
}

func (b *Bot) cmdMenu(tg *gotgbot.Bot, ctx *ext.Context) error {
	return replyMarkup(tg, ctx, "What would you like to do?", mainMenu())
}

func (b *Bot) cmdStats(tg *gotgbot.Bot, ctx *ext.Context) error {
	opCtx, cancel := b.opCtx()
	defer cancel()
	counts, total, err := b.store.StatusCounts(opCtx)
	if err != nil {
		return reply(tg, ctx, "Stats unavailable, try again shortly.")
	}
	queueLen, _ := b.cache.QueueLength(opCtx)
	paused, _ := b.cache.PausedAll(opCtx)

	var sb strings.Builder
	fmt.Fprintf(&sb, "*Shipment stats* (%d total)\n", total)
	for _, status := range b.cfg.Simulator.ValidStatuses {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(&sb, "%s: %d\n", strings.ReplaceAll(status, "_", " "), n)
		}
	}
	fmt.Fprintf(&sb, "\nPaused simulations: %d\n", len(paused))
	fmt.Fprintf(&sb, "Queued notifications: %d", queueLen)
	return reply(tg, ctx, sb.String())
}

func (b *Bot) cmdSearch(tg *gotgbot.Bot, ctx *ext.Context) error {
	query := rest(ctx)
	if query == "" {
		return reply(tg, ctx, "Usage: /search <query>")
	}

	opCtx, cancel := b.opCtx()
	defer cancel()
	numbers, total, err := b.store.Search(opCtx, query, 1, listPageSize)
	if err != nil {
		return reply(tg, ctx, "Search failed, try again shortly.")
	}
	if total == 0 {
		return reply(tg, ctx, fmt.Sprintf("No matches for `%s`.", query))
	}
	return replyMarkup(tg, ctx,
		fmt.Sprintf("*%d match(es)* for `%s`:", total, query),
		shipmentButtons(numbers, -1, 0))
}

func (b *Bot) cmdList(tg *gotgbot.Bot, ctx *ext.Context) error {
	page := 1
	if a := args(ctx); len(a) > 0 {
		if p, err := strconv.Atoi(a[0]); err == nil && p > 0 {
			page = p
		}
	}
	opCtx, cancel := b.opCtx()
	defer cancel()
	text, markup, err := b.listPage(opCtx, page)
	if err != nil {
		return reply(tg, ctx, "Listing failed, try again shortly.")
	}
	return replyMarkup(tg, ctx, text, markup)
}

func (b *Bot) listPage(ctx context.Context, page int) (string, gotgbot.InlineKeyboardMarkup, error) {
	numbers, total, err := b.store.List(ctx, page, listPageSize, nil)
	if err != nil {
		return "", gotgbot.InlineKeyboardMarkup{}, err
	}
	pages := (total + listPageSize - 1) / listPageSize
	if pages == 0 {
		pages = 1
	}
	text := fmt.Sprintf("*Shipments* - page %d of %d (%d total)", page, pages, total)
	return text, shipmentButtons(numbers, page, pages), nil
}

// cmdAdd creates a shipment. Fields are pipe separated so locations
// can contain spaces and commas.
func (b *Bot) cmdAdd(tg *gotgbot.Bot, ctx *ext.Context) error {
	parts := splitPipes(rest(ctx))
	if len(parts) < 3 {
		return reply(tg, ctx,
			"Usage: /add <tn> | <status> | <delivery location> | [origin] | [email]\n"+
				"Use /generate\\_id to mint a tracking number first.")
	}

	tn := types.SanitizeTrackingNumber(parts[0])
	if tn == "" {
		return reply(tg, ctx, "Invalid tracking number.")
	}
	status := parts[1]
	if !b.cfg.ValidStatus(status) {
		return reply(tg, ctx, fmt.Sprintf("Invalid status. Must be one of: %s",
			strings.Join(b.cfg.Simulator.ValidStatuses, ", ")))
	}
	delivery := parts[2]
	if !types.ValidLocation(delivery) {
		return reply(tg, ctx, "Invalid delivery location.")
	}

	sh := &types.Shipment{
		TrackingNumber:     tn,
		Status:             status,
		DeliveryLocation:   delivery,
		EmailNotifications: true,
	}
	if len(parts) > 3 && parts[3] != "" {
		if !types.ValidLocation(parts[3]) {
			return reply(tg, ctx, "Invalid origin location.")
		}
		sh.OriginLocation = parts[3]
	}
	if len(parts) > 4 && parts[4] != "" {
		if !types.ValidEmail(parts[4]) {
			return reply(tg, ctx, "Invalid email address.")
		}
		sh.RecipientEmail = parts[4]
	}

	opCtx, cancel := b.opCtx()
	defer cancel()
	saved, err := b.store.Save(opCtx, sh)
	if err != nil {
		b.log.Error("add shipment failed", zap.Error(err))
		return reply(tg, ctx, "Could not save the shipment, try again shortly.")
	}
	b.cache.SetShipment(opCtx, saved)

	if !saved.Terminal() {
		b.sim.Start(b.baseCtx, tn)
	}
	b.notifyWeb(tn)
	return reply(tg, ctx, fmt.Sprintf("Created `%s` (%s, to %s).",
		tn, saved.Status, saved.DeliveryLocation))
}

func (b *Bot) cmdUpdate(tg *gotgbot.Bot, ctx *ext.Context) error {
	a := args(ctx)
	if len(a) < 2 {
		return reply(tg, ctx, "Usage: /update <tn> <status>")
	}
	tn := types.SanitizeTrackingNumber(a[0])
	if tn == "" {
		return reply(tg, ctx, "Invalid tracking number.")
	}
	status := a[1]
	if !b.cfg.ValidStatus(status) {
		return reply(tg, ctx, fmt.Sprintf("Invalid status. Must be one of: %s",
			strings.Join(b.cfg.Simulator.ValidStatuses, ", ")))
	}

	opCtx, cancel := b.opCtx()
	defer cancel()
	sh, err := b.store.Get(opCtx, tn)
	if errors.Is(err, store.ErrNotFound) {
		return reply(tg, ctx, fmt.Sprintf("No shipment found for `%s`.", tn))
	}
	if err != nil {
		return reply(tg, ctx, "Lookup failed, try again shortly.")
	}

	sh.Status = status
	sh.Checkpoints = append(sh.Checkpoints,
		types.CheckpointLine(time.Now(), sh.DeliveryLocation, "Status changed to "+status))
	saved, err := b.store.Save(opCtx, sh)
	if err != nil {
		return reply(tg, ctx, "Could not save the shipment, try again shortly.")
	}
	b.cache.SetShipment(opCtx, saved)

	if !saved.Terminal() {
		b.sim.Start(b.baseCtx, tn)
	} else {
		b.sim.Stop(tn)
	}
	b.notifyWeb(tn)
	return reply(tg, ctx, fmt.Sprintf("`%s` is now *%s*.", tn,
		strings.ReplaceAll(status, "_", " ")))
}

func (b *Bot) cmdDelete(tg *gotgbot.Bot, ctx *ext.Context) error {
	a := args(ctx)
	if len(a) == 0 {
		return reply(tg, ctx, "Usage: /delete <tn>")
	}
	tn := types.SanitizeTrackingNumber(a[0])
	if tn == "" {
		return reply(tg, ctx, "Invalid tracking number.")
	}
	return replyMarkup(tg, ctx,
		fmt.Sprintf("Delete `%s`? This cannot be undone.", tn),
		confirmDeleteMenu(tn))
}

func (b *Bot) cmdNotify(tg *gotgbot.Bot, ctx *ext.Context) error {
	a := args(ctx)
	if len(a) < 2 {
		return reply(tg, ctx, "Usage: /notify <tn> <email>")
	}
	tn := types.SanitizeTrackingNumber(a[0])
	if tn == "" {
		return reply(tg, ctx, "Invalid tracking number.")
	}
	email := a[1]
	if !types.ValidEmail(email) {
		return reply(tg, ctx, "Invalid email address.")
	}

	opCtx, cancel := b.opCtx()
	defer cancel()
	if err := b.store.SetRecipientEmail(opCtx, tn, email); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return reply(tg, ctx, fmt.Sprintf("No shipment found for `%s`.", tn))
		}
		return reply(tg, ctx, "Could not update the shipment, try again shortly.")
	}
	b.cache.InvalidateShipment(opCtx, tn)

	sh, err := b.store.Get(opCtx, tn)
	if err != nil {
		return reply(tg, ctx, "Could not read the shipment back.")
	}
	err = b.cache.PushNotification(opCtx, types.Notification{
		TrackingNumber: tn,
		Type:           types.NotificationEmail,
		Data: types.NotificationData{
			Status:           sh.Status,
			Checkpoints:      sh.Checkpoints,
			DeliveryLocation: sh.DeliveryLocation,
			RecipientEmail:   email,
		},
	})
	if err != nil {
		return reply(tg, ctx, "Email saved, but queueing the notification failed.")
	}
	return reply(tg, ctx, fmt.Sprintf("Notifications for `%s` now go to %s. Update queued.", tn, email))
}

// cmdWebhook sets, replaces or clears a shipment's webhook target.
func (b *Bot) cmdWebhook(tg *gotgbot.Bot, ctx *ext.Context) error {
	a := args(ctx)
	if len(a) < 2 {
		return reply(tg, ctx, "Usage: /webhook <tn> <url|off>")
	}
	return reply(tg, ctx, b.applyWebhook(a[0], a[1]))
}

// applyWebhook validates and stores the webhook change, returning the
// message to show the admin.
func (b *Bot) applyWebhook(rawTN, target string) string {
	tn := types.SanitizeTrackingNumber(rawTN)
	if tn == "" {
		return "Invalid tracking number."
	}
	if strings.EqualFold(target, "off") {
		target = ""
	} else if !types.ValidWebhookURL(target) {
		return "Invalid webhook URL. Must be http(s) and under 200 characters."
	}

	opCtx, cancel := b.opCtx()
	defer cancel()
	if err := b.store.SetWebhookURL(opCtx, tn, target); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("No shipment found for `%s`.", tn)
		}
		return "Could not update the shipment, try again shortly."
	}
	b.cache.InvalidateShipment(opCtx, tn)

	if target == "" {
		return fmt.Sprintf("Webhook removed from `%s`.", tn)
	}
	return fmt.Sprintf("Updates for `%s` now POST to %s.\n"+
		"Use the shipment menu's Test webhook button to verify it.", tn, target)
}

func (b *Bot) cmdGenerateID(tg *gotgbot.Bot, ctx *ext.Context) error {
	opCtx, cancel := b.opCtx()
	defer cancel()
	tn, err := b.store.GenerateTrackingNumber(opCtx)
	if err != nil {
		return reply(tg, ctx, "Could not generate a tracking number, try again shortly.")
	}
	return reply(tg, ctx, fmt.Sprintf("Fresh tracking number: `%s`\n"+
		"Create it with /add %s | Pending | <delivery location>", tn, tn))
}

func (b *Bot) cmdBulkAction(tg *gotgbot.Bot, ctx *ext.Context) error {
	opCtx, cancel := b.opCtx()
	defer cancel()
	members, _ := b.cache.BatchMembers(opCtx, ctx.EffectiveChat.Id)
	text := fmt.Sprintf("*Bulk actions*\nBatch: %d shipment(s) selected.\n"+
		"Add shipments to the batch from their view menu.", len(members))
	return replyMarkup(tg, ctx, text, bulkMenu())
}

// splitPipes splits on | and trims each field.
func splitPipes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// details mirrors the web tier's cache-then-store lookup.
func (b *Bot) details(ctx context.Context, tn string) (*types.Details, error) {
	sh, ok := b.cache.GetShipment(ctx, tn)
	if !ok {
		var err error
		sh, err = b.store.Get(ctx, tn)
		if err != nil {
			return nil, err
		}
		b.cache.SetShipment(ctx, sh)
	}
	paused, _ := b.cache.Paused(ctx, tn)
	speed, _ := b.cache.Speed(ctx, tn)
	return &types.Details{Shipment: *sh, Paused: paused, SpeedMultiplier: speed}, nil
}

// formatDetails renders a shipment for Telegram.
func formatDetails(d *types.Details) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Shipment* `%s`\n", d.TrackingNumber)
	fmt.Fprintf(&sb, "Status: *%s*", strings.ReplaceAll(d.Status, "_", " "))
	if d.Paused {
		sb.WriteString(" (paused)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Destination: %s\n", d.DeliveryLocation)
	if d.OriginLocation != "" {
		fmt.Fprintf(&sb, "Origin: %s\n", d.OriginLocation)
	}
	if d.RecipientEmail != "" {
		emailState := "on"
		if !d.EmailNotifications {
			emailState = "off"
		}
		fmt.Fprintf(&sb, "Email: %s (notifications %s)\n", d.RecipientEmail, emailState)
	}
	if d.WebhookURL != "" {
		fmt.Fprintf(&sb, "Webhook: %s\n", d.WebhookURL)
	}
	if d.SpeedMultiplier != 1.0 {
		fmt.Fprintf(&sb, "Simulation speed: %.1fx\n", d.SpeedMultiplier)
	}
	if len(d.Checkpoints) > 0 {
		sb.WriteString("\n*Checkpoints*\n")
		for _, cp := range d.Checkpoints {
			fmt.Fprintf(&sb, "- %s\n", cp)
		}
	}
	fmt.Fprintf(&sb, "\nLast updated: %s", d.LastUpdated.Format("2006-01-02 15:04"))
	return sb.String()
}
