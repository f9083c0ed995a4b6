package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"go.uber.org/zap"

	"signment/internal/cache"
	"signment/internal/store"
	"signment/internal/types"
)

func btn(text, data string) gotgbot.InlineKeyboardButton {
	return gotgbot.InlineKeyboardButton{Text: text, CallbackData: data}
}

func mainMenu() gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{btn("Stats", "stats"), btn("List shipments", "list:1")},
		{btn("Generate ID", "genid"), btn("Bulk actions", "bulk_menu")},
	}}
}

// shipmentButtons renders one row per shipment plus pagination when
// pages > 0.
func shipmentButtons(numbers []string, page, pages int) gotgbot.InlineKeyboardMarkup {
	var rows [][]gotgbot.InlineKeyboardButton
	for _, tn := range numbers {
		rows = append(rows, []gotgbot.InlineKeyboardButton{btn(tn, "view:"+tn)})
	}
	if pages > 0 {
		var nav []gotgbot.InlineKeyboardButton
		if page > 1 {
			nav = append(nav, btn("< Prev", fmt.Sprintf("list:%d", page-1)))
		}
		if page < pages {
			nav = append(nav, btn("Next >", fmt.Sprintf("list:%d", page+1)))
		}
		if len(nav) > 0 {
			rows = append(rows, nav)
		}
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{btn("Menu", "menu")})
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func shipmentMenu(d *types.Details) gotgbot.InlineKeyboardMarkup {
	pauseBtn := btn("Pause", "pause:"+d.TrackingNumber)
	if d.Paused {
		pauseBtn = btn("Resume", "resume:"+d.TrackingNumber)
	}
	emailBtn := btn("Email notifications: on", "toggle_email:"+d.TrackingNumber)
	if !d.EmailNotifications {
		emailBtn = btn("Email notifications: off", "toggle_email:"+d.TrackingNumber)
	}
	rows := [][]gotgbot.InlineKeyboardButton{
		{pauseBtn, btn("Speed", "speedmenu:"+d.TrackingNumber)},
		{emailBtn},
		{btn("Broadcast", "broadcast:" + d.TrackingNumber), btn("Add to batch", "batch_add:" + d.TrackingNumber)},
	}
	webhookRow := []gotgbot.InlineKeyboardButton{
		btn("Set webhook", "webhook_set:" + d.TrackingNumber),
	}
	if d.WebhookURL != "" {
		webhookRow = append(webhookRow, btn("Test webhook", "webhook_test:"+d.TrackingNumber))
	}
	rows = append(rows, webhookRow)
	rows = append(rows,
		[]gotgbot.InlineKeyboardButton{btn("Delete", "delete:" + d.TrackingNumber)},
		[]gotgbot.InlineKeyboardButton{btn("Back to list", "list:1")},
	)
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func speedMenu(tn string) gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			btn("0.5x", "speed:"+tn+":0.5"),
			btn("1x", "speed:"+tn+":1"),
			btn("2x", "speed:"+tn+":2"),
		},
		{
			btn("5x", "speed:"+tn+":5"),
			btn("10x", "speed:"+tn+":10"),
		},
		{btn("Back", "view:" + tn)},
	}}
}

func confirmDeleteMenu(tn string) gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{btn("Yes, delete", "confirm_delete:" + tn), btn("Cancel", "view:" + tn)},
	}}
}

func shipmentBackMenu(tn string) gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{btn("Back", "view:" + tn)},
	}}
}

func confirmBulkDeleteMenu(count int) gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{btn(fmt.Sprintf("Yes, delete %d shipment(s)", count), "bulk_confirm_delete"),
			btn("Cancel", "bulk_menu")},
	}}
}

func bulkMenu() gotgbot.InlineKeyboardMarkup {
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{btn("Pause batch", "bulk:pause"), btn("Resume batch", "bulk:resume")},
		{btn("Delete batch", "bulk:delete"), btn("Clear batch", "batch_clear")},
		{btn("Menu", "menu")},
	}}
}

// onCallback dispatches inline keyboard presses. Data is
// "action[:arg[:arg]]".
func (b *Bot) onCallback(tg *gotgbot.Bot, ctx *ext.Context) error {
	cb := ctx.Update.CallbackQuery
	parts := strings.SplitN(cb.Data, ":", 3)
	action := parts[0]
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	ack := func(text string) {
		cb.Answer(tg, &gotgbot.AnswerCallbackQueryOpts{Text: text})
	}

	opCtx, cancel := b.opCtx()
	defer cancel()

	switch action {
	case "menu":
		ack("")
		return b.edit(tg, ctx, "What would you like to do?", mainMenu())

	case "stats":
		ack("")
		counts, total, err := b.store.StatusCounts(opCtx)
		if err != nil {
			ack("Stats unavailable.")
			return nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "*Shipment stats* (%d total)\n", total)
		for _, status := range b.cfg.Simulator.ValidStatuses {
			if n := counts[status]; n > 0 {
				fmt.Fprintf(&sb, "%s: %d\n", strings.ReplaceAll(status, "_", " "), n)
			}
		}
		return b.edit(tg, ctx, sb.String(), mainMenu())

	case "genid":
		tn, err := b.store.GenerateTrackingNumber(opCtx)
		if err != nil {
			ack("Generation failed.")
			return nil
		}
		ack("")
		return b.edit(tg, ctx, fmt.Sprintf("Fresh tracking number: `%s`\n"+
			"Create it with /add %s | Pending | <delivery location>", tn, tn), mainMenu())

	case "list":
		page, err := strconv.Atoi(arg)
		if err != nil || page < 1 {
			page = 1
		}
		text, markup, err := b.listPage(opCtx, page)
		if err != nil {
			ack("Listing failed.")
			return nil
		}
		ack("")
		return b.edit(tg, ctx, text, markup)

	case "view":
		return b.showShipment(tg, ctx, arg, ack)

	case "pause":
		if err := b.cache.SetPaused(opCtx, arg, true); err != nil {
			ack("Pause failed.")
			return nil
		}
		ack("Simulation paused.")
		b.notifyWeb(arg)
		return b.showShipment(tg, ctx, arg, nil)

	case "resume":
		if err := b.cache.SetPaused(opCtx, arg, false); err != nil {
			ack("Resume failed.")
			return nil
		}
		b.sim.Start(b.baseCtx, arg)
		ack("Simulation resumed.")
		b.notifyWeb(arg)
		return b.showShipment(tg, ctx, arg, nil)

	case "speedmenu":
		ack("")
		speed, _ := b.cache.Speed(opCtx, arg)
		return b.edit(tg, ctx,
			fmt.Sprintf("Simulation speed for `%s` (currently %.1fx):", arg, speed),
			speedMenu(arg))

	case "speed":
		if len(parts) < 3 {
			ack("")
			return nil
		}
		mult, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			ack("Bad speed value.")
			return nil
		}
		if err := b.cache.SetSpeed(opCtx, arg, mult); err != nil {
			ack("Could not set speed.")
			return nil
		}
		ack(fmt.Sprintf("Speed set to %.1fx.", cache.ClampSpeed(mult)))
		return b.showShipment(tg, ctx, arg, nil)

	case "toggle_email":
		enabled, err := b.store.ToggleEmailNotifications(opCtx, arg)
		if err != nil {
			ack("Toggle failed.")
			return nil
		}
		b.cache.InvalidateShipment(opCtx, arg)
		if enabled {
			ack("Email notifications on.")
		} else {
			ack("Email notifications off.")
		}
		return b.showShipment(tg, ctx, arg, nil)

	case "webhook_set":
		ack("")
		return b.edit(tg, ctx,
			fmt.Sprintf("Set a webhook for `%s` with:\n`/webhook %s <url>`\n"+
				"Remove it with `/webhook %s off`.", arg, arg, arg),
			shipmentBackMenu(arg))

	case "webhook_test":
		sh, err := b.store.Get(opCtx, arg)
		if err != nil || sh.WebhookURL == "" {
			ack("No webhook configured.")
			return nil
		}
		err = b.cache.PushNotification(opCtx, types.Notification{
			TrackingNumber: arg,
			Type:           types.NotificationWebhook,
			Data: types.NotificationData{
				Status:           sh.Status,
				Checkpoints:      sh.Checkpoints,
				DeliveryLocation: sh.DeliveryLocation,
				WebhookURL:       sh.WebhookURL,
			},
		})
		if err != nil {
			ack("Could not queue the test.")
			return nil
		}
		ack("Test delivery queued.")
		return nil

	case "broadcast":
		b.notifyWeb(arg)
		ack("Broadcast triggered.")
		return nil

	case "delete":
		ack("")
		return b.edit(tg, ctx,
			fmt.Sprintf("Delete `%s`? This cannot be undone.", arg),
			confirmDeleteMenu(arg))

	case "confirm_delete":
		b.sim.Stop(arg)
		if err := b.store.Delete(opCtx, arg); err != nil && !errors.Is(err, store.ErrNotFound) {
			ack("Delete failed.")
			return nil
		}
		b.cache.InvalidateShipment(opCtx, arg)
		b.cache.SetPaused(opCtx, arg, false)
		ack("Deleted.")
		text, markup, err := b.listPage(opCtx, 1)
		if err != nil {
			return nil
		}
		return b.edit(tg, ctx, text, markup)

	case "batch_add":
		if err := b.cache.AddBatch(opCtx, ctx.EffectiveChat.Id, arg); err != nil {
			ack("Could not add to batch.")
			return nil
		}
		members, _ := b.cache.BatchMembers(opCtx, ctx.EffectiveChat.Id)
		ack(fmt.Sprintf("Added. Batch has %d shipment(s).", len(members)))
		return nil

	case "batch_clear":
		b.cache.ClearBatch(opCtx, ctx.EffectiveChat.Id)
		ack("Batch cleared.")
		return nil

	case "bulk_menu":
		ack("")
		members, _ := b.cache.BatchMembers(opCtx, ctx.EffectiveChat.Id)
		return b.edit(tg, ctx,
			fmt.Sprintf("*Bulk actions*\nBatch: %d shipment(s) selected.", len(members)),
			bulkMenu())

	case "bulk":
		// Deletion is destructive, so it gets the same confirm step as
		// a single delete.
		if arg == "delete" {
			members, _ := b.cache.BatchMembers(opCtx, ctx.EffectiveChat.Id)
			if len(members) == 0 {
				ack("Batch is empty.")
				return nil
			}
			ack("")
			return b.edit(tg, ctx,
				fmt.Sprintf("Delete %d shipment(s)? This cannot be undone.", len(members)),
				confirmBulkDeleteMenu(len(members)))
		}
		return b.runBulk(tg, ctx, arg, ack)

	case "bulk_confirm_delete":
		return b.runBulk(tg, ctx, "delete", ack)

	default:
		b.log.Debug("unknown callback", zap.String("data", cb.Data))
		ack("")
		return nil
	}
}

func (b *Bot) showShipment(tg *gotgbot.Bot, ctx *ext.Context, tn string, ack func(string)) error {
	opCtx, cancel := b.opCtx()
	defer cancel()
	details, err := b.details(opCtx, tn)
	if err != nil {
		if ack != nil {
			ack("Shipment not found.")
		}
		return nil
	}
	if ack != nil {
		ack("")
	}
	return b.edit(tg, ctx, formatDetails(details), shipmentMenu(details))
}

// runBulk applies pause/resume/delete to the chat's batch.
func (b *Bot) runBulk(tg *gotgbot.Bot, ctx *ext.Context, op string, ack func(string)) error {
	opCtx, cancel := b.opCtx()
	defer cancel()
	chatID := ctx.EffectiveChat.Id
	members, err := b.cache.BatchMembers(opCtx, chatID)
	if err != nil || len(members) == 0 {
		ack("Batch is empty.")
		return nil
	}

	applied := 0
	for _, tn := range members {
		switch op {
		case "pause":
			if b.cache.SetPaused(opCtx, tn, true) == nil {
				applied++
			}
		case "resume":
			if b.cache.SetPaused(opCtx, tn, false) == nil {
				b.sim.Start(b.baseCtx, tn)
				applied++
			}
		case "delete":
			b.sim.Stop(tn)
			if err := b.store.Delete(opCtx, tn); err == nil || errors.Is(err, store.ErrNotFound) {
				b.cache.InvalidateShipment(opCtx, tn)
				applied++
			}
		default:
			ack("")
			return nil
		}
		b.notifyWeb(tn)
	}
	if op == "delete" {
		b.cache.ClearBatch(opCtx, chatID)
	}
	ack(fmt.Sprintf("Applied %s to %d shipment(s).", op, applied))
	return b.edit(tg, ctx,
		fmt.Sprintf("*Bulk actions*\nApplied %s to %d shipment(s).", op, applied),
		bulkMenu())
}

// edit rewrites the message the keyboard lives on, falling back to a
// new message for inaccessible ones.
func (b *Bot) edit(tg *gotgbot.Bot, ctx *ext.Context, text string, markup gotgbot.InlineKeyboardMarkup) error {
	msg := ctx.EffectiveMessage
	if msg == nil {
		_, err := tg.SendMessage(ctx.EffectiveChat.Id, text, &gotgbot.SendMessageOpts{
			ParseMode:   "Markdown",
			ReplyMarkup: markup,
		})
		return err
	}
	_, _, err := tg.EditMessageText(text, &gotgbot.EditMessageTextOpts{
		ChatId:      msg.Chat.Id,
		MessageId:   msg.MessageId,
		ParseMode:   "Markdown",
		ReplyMarkup: markup,
	})
	return err
}
