package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"signment/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	url := "sqlite://" + filepath.Join(t.TempDir(), "signment.db")
	s, err := Open(context.Background(), url, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(tn string) *types.Shipment {
	return &types.Shipment{
		TrackingNumber:     tn,
		Status:             types.StatusPending,
		DeliveryLocation:   "Chicago",
		OriginLocation:     "New York",
		RecipientEmail:     "jo@example.com",
		EmailNotifications: true,
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://nope", zap.NewNop())
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tn := "TRK20240101120000ABC123"
	saved, err := s.Save(ctx, sample(tn))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.CreatedAt.IsZero() || saved.LastUpdated.IsZero() {
		t.Fatal("timestamps not set on insert")
	}

	got, err := s.Get(ctx, tn)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Fatalf("status = %q, want %q", got.Status, types.StatusPending)
	}
	if got.DeliveryLocation != "Chicago" || got.OriginLocation != "New York" {
		t.Fatalf("locations = %q / %q", got.DeliveryLocation, got.OriginLocation)
	}
	if !got.EmailNotifications {
		t.Fatal("email notifications flag lost")
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "TRK20240101120000ZZZ999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveUpdatePreservesCreatedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tn := "TRK20240101120000ABC124"

	first, err := s.Save(ctx, sample(tn))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	s.nowFunc = func() time.Time { return first.CreatedAt.Add(time.Hour) }
	upd := sample(tn)
	upd.Status = types.StatusInTransit
	upd.Checkpoints = []string{"2024-01-01 13:00 - New York - Departed from New York"}
	second, err := s.Save(ctx, upd)
	if err != nil {
		t.Fatalf("Save update: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.LastUpdated.After(first.LastUpdated) {
		t.Fatal("LastUpdated not advanced")
	}
	if len(second.Checkpoints) != 1 {
		t.Fatalf("checkpoints = %v", second.Checkpoints)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tn := "TRK20240101120000ABC125"

	if _, err := s.Save(ctx, sample(tn)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, tn); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, tn); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListPaginationAndFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	numbers := []string{
		"TRK20240101120000AAA001",
		"TRK20240101120000AAA002",
		"TRK20240101120000AAA003",
	}
	for i, tn := range numbers {
		sh := sample(tn)
		if i == 2 {
			sh.Status = types.StatusDelivered
		}
		if _, err := s.Save(ctx, sh); err != nil {
			t.Fatalf("Save %s: %v", tn, err)
		}
	}

	page, total, err := s.List(ctx, 1, 2, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("total = %d, page len = %d", total, len(page))
	}

	page, total, err = s.List(ctx, 2, 2, nil)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if total != 3 || len(page) != 1 {
		t.Fatalf("page 2: total = %d, len = %d", total, len(page))
	}

	page, total, err = s.List(ctx, 1, 10, []string{types.StatusDelivered})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if total != 1 || len(page) != 1 || page[0] != numbers[2] {
		t.Fatalf("filtered = %v (total %d)", page, total)
	}
}

func TestSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := sample("TRK20240101120000BBB001")
	a.DeliveryLocation = "Los Angeles"
	b := sample("TRK20240101120000BBB002")
	b.Status = types.StatusDelayed
	for _, sh := range []*types.Shipment{a, b} {
		if _, err := s.Save(ctx, sh); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, total, err := s.Search(ctx, "los angeles", 1, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || len(got) != 1 || got[0] != a.TrackingNumber {
		t.Fatalf("search by location = %v (total %d)", got, total)
	}

	got, total, err = s.Search(ctx, "delayed", 1, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || got[0] != b.TrackingNumber {
		t.Fatalf("search by status = %v (total %d)", got, total)
	}
}

func TestToggleEmailNotifications(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tn := "TRK20240101120000CCC001"

	if _, err := s.Save(ctx, sample(tn)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	enabled, err := s.ToggleEmailNotifications(ctx, tn)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if enabled {
		t.Fatal("expected toggle off")
	}
	enabled, err = s.ToggleEmailNotifications(ctx, tn)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !enabled {
		t.Fatal("expected toggle back on")
	}
}

func TestGenerateTrackingNumberUnique(t *testing.T) {
	s := testStore(t)
	tn, err := s.GenerateTrackingNumber(context.Background())
	if err != nil {
		t.Fatalf("GenerateTrackingNumber: %v", err)
	}
	if types.SanitizeTrackingNumber(tn) != tn {
		t.Fatalf("generated number %q fails validation", tn)
	}
}
