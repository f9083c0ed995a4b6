package bot

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signment/internal/cache"
	"signment/internal/config"
	"signment/internal/store"
	"signment/internal/types"
)

func TestSplitPipes(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"TRK1 | Pending | New York, NY", []string{"TRK1", "Pending", "New York, NY"}},
		{"a|b|c", []string{"a", "b", "c"}},
		{" a | b ", []string{"a", "b"}},
	}
	for _, c := range cases {
		if diff := cmp.Diff(c.want, splitPipes(c.in)); diff != "" {
			t.Errorf("splitPipes(%q) mismatch (-want +got):\n%s", c.in, diff)
		}
	}
}

func TestFormatDetails(t *testing.T) {
	d := &types.Details{
		Shipment: types.Shipment{
			TrackingNumber:     "TRK20240101120000ABC123",
			Status:             types.StatusInTransit,
			DeliveryLocation:   "New York, NY",
			OriginLocation:     "Chicago, IL",
			RecipientEmail:     "jo@example.com",
			EmailNotifications: true,
			Checkpoints:        []string{"2024-01-01 12:00 - Chicago, IL - Departed from Chicago, IL"},
			LastUpdated:        time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		Paused:          true,
		SpeedMultiplier: 2.0,
	}

	out := formatDetails(d)
	for _, want := range []string{
		"`TRK20240101120000ABC123`",
		"*In Transit* (paused)",
		"Destination: New York, NY",
		"Origin: Chicago, IL",
		"jo@example.com (notifications on)",
		"Simulation speed: 2.0x",
		"- 2024-01-01 12:00 - Chicago, IL - Departed from Chicago, IL",
		"Last updated: 2024-01-01 12:00",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("formatDetails output missing %q\n%s", want, out)
		}
	}
}

// flattenMarkup joins every callback data string for containment
// checks.
func flattenMarkup(m gotgbot.InlineKeyboardMarkup) string {
	var sb strings.Builder
	for _, row := range m.InlineKeyboard {
		for _, b := range row {
			sb.WriteString(b.CallbackData)
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

func TestShipmentButtonsPagination(t *testing.T) {
	numbers := []string{"TRK20240101120000AAA001", "TRK20240101120000AAA002"}

	markup := shipmentButtons(numbers, 2, 3)
	rows := markup.InlineKeyboard
	// Two shipment rows, one nav row, one menu row.
	if len(rows) != 4 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0].CallbackData != "view:"+numbers[0] {
		t.Fatalf("first button = %q", rows[0][0].CallbackData)
	}
	nav := rows[2]
	if len(nav) != 2 || nav[0].CallbackData != "list:1" || nav[1].CallbackData != "list:3" {
		t.Fatalf("nav row = %+v", nav)
	}

	// First page has no Prev; search results carry no nav row at all.
	if rows := shipmentButtons(numbers, 1, 3).InlineKeyboard; rows[2][0].CallbackData != "list:2" {
		t.Fatalf("first page nav = %+v", rows[2])
	}
	if rows := shipmentButtons(numbers, -1, 0).InlineKeyboard; len(rows) != 3 {
		t.Fatalf("search rows = %d", len(rows))
	}
}

func TestShipmentMenuReflectsState(t *testing.T) {
	d := &types.Details{
		Shipment: types.Shipment{
			TrackingNumber:     "TRK20240101120000AAA001",
			EmailNotifications: true,
			WebhookURL:         "https://example.com/hook",
		},
	}
	flat := flattenMarkup(shipmentMenu(d))
	if !strings.Contains(flat, "pause:TRK20240101120000AAA001") {
		t.Errorf("running shipment should offer pause: %s", flat)
	}
	if !strings.Contains(flat, "webhook_test:TRK20240101120000AAA001") {
		t.Errorf("webhook shipment should offer test: %s", flat)
	}

	d.Paused = true
	d.WebhookURL = ""
	flat = flattenMarkup(shipmentMenu(d))
	if !strings.Contains(flat, "resume:TRK20240101120000AAA001") {
		t.Errorf("paused shipment should offer resume: %s", flat)
	}
	if strings.Contains(flat, "webhook_test:") {
		t.Errorf("no webhook test without a webhook: %s", flat)
	}
	if !strings.Contains(flat, "webhook_set:TRK20240101120000AAA001") {
		t.Errorf("set webhook should always be offered: %s", flat)
	}
}

func TestConfirmBulkDeleteMenu(t *testing.T) {
	flat := flattenMarkup(confirmBulkDeleteMenu(3))
	if !strings.Contains(flat, "bulk_confirm_delete") {
		t.Errorf("missing confirm button: %s", flat)
	}
	if !strings.Contains(flat, "bulk_menu") {
		t.Errorf("missing cancel button: %s", flat)
	}
	// The direct delete action must not appear; it only runs after the
	// confirm step.
	if strings.Contains(flat, "bulk:delete") {
		t.Errorf("confirm menu must not trigger delete directly: %s", flat)
	}
}

func TestSpeedMenuValues(t *testing.T) {
	flat := flattenMarkup(speedMenu("TRK20240101120000AAA001"))
	for _, want := range []string{":0.5", ":1", ":2", ":5", ":10"} {
		if !strings.Contains(flat, "speed:TRK20240101120000AAA001"+want) {
			t.Errorf("speed menu missing %s", want)
		}
	}
}

func TestApplyWebhook(t *testing.T) {
	st, err := store.Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "bot.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tn := "TRK20240101120000AAA001"
	if _, err := st.Save(context.Background(), &types.Shipment{
		TrackingNumber:   tn,
		Status:           types.StatusPending,
		DeliveryLocation: "New York, NY",
	}); err != nil {
		t.Fatalf("seed shipment: %v", err)
	}

	b := &Bot{
		cfg:     config.DefaultConfig(),
		store:   st,
		cache:   cache.NewMemory(),
		log:     zap.NewNop(),
		baseCtx: context.Background(),
	}

	if msg := b.applyWebhook("garbage", "https://example.com/hook"); msg != "Invalid tracking number." {
		t.Fatalf("bad tn reply = %q", msg)
	}
	if msg := b.applyWebhook(tn, "ftp://example.com"); !strings.Contains(msg, "Invalid webhook URL") {
		t.Fatalf("bad url reply = %q", msg)
	}
	if msg := b.applyWebhook("TRK20240101120000ZZZ999", "https://example.com/hook"); !strings.Contains(msg, "No shipment found") {
		t.Fatalf("missing shipment reply = %q", msg)
	}

	if msg := b.applyWebhook(tn, "https://example.com/hook"); !strings.Contains(msg, "https://example.com/hook") {
		t.Fatalf("set reply = %q", msg)
	}
	sh, err := st.Get(context.Background(), tn)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sh.WebhookURL != "https://example.com/hook" {
		t.Fatalf("webhook url = %q", sh.WebhookURL)
	}

	if msg := b.applyWebhook(tn, "off"); !strings.Contains(msg, "removed") {
		t.Fatalf("clear reply = %q", msg)
	}
	sh, _ = st.Get(context.Background(), tn)
	if sh.WebhookURL != "" {
		t.Fatalf("webhook url not cleared: %q", sh.WebhookURL)
	}
}

func TestAllowRateLimits(t *testing.T) {
	b := &Bot{limits: make(map[int64]*rate.Limiter)}

	for i := 0; i < userBudget; i++ {
		if !b.allow(7) {
			t.Fatalf("request %d unexpectedly limited", i)
		}
	}
	if b.allow(7) {
		t.Fatal("burst exceeded but still allowed")
	}
	// Other users are unaffected.
	if !b.allow(8) {
		t.Fatal("fresh user limited")
	}
}
