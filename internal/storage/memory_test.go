package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
)

func mustAppend(t *testing.T, s Store, deviceID string, category models.EventCategory, ts time.Time) *models.Event {
	t.Helper()
	event := &models.Event{
		DeviceID:  deviceID,
		Category:  category,
		Severity:  models.SeverityInfo,
		Timestamp: ts,
	}
	if err := s.AppendEvent(context.Background(), event); err != nil {
		t.Fatalf("append event: %v", err)
	}
	return event
}

func TestAppendAssignsSequence(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	e1 := mustAppend(t, s, "SC-1", models.CategoryHeartbeat, base)
	e2 := mustAppend(t, s, "SC-1", models.CategoryHeartbeat, base)

	if e1.Seq == 0 || e2.Seq == 0 {
		t.Fatal("expected sequences to be assigned")
	}
	if e2.Seq <= e1.Seq {
		t.Fatalf("expected increasing sequence, got %d then %d", e1.Seq, e2.Seq)
	}
}

func TestQueryTieBreakBySequence(t *testing.T) {
	s := NewMemoryStore()
	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	e1 := mustAppend(t, s, "SC-1", models.CategoryHeartbeat, ts)
	e2 := mustAppend(t, s, "SC-1", models.CategoryMotion, ts)

	events, _, err := s.QueryEvents(context.Background(), EventFilter{Order: OrderAsc})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != e1.Seq || events[1].Seq != e2.Seq {
		t.Fatal("equal timestamps must order by insertion sequence")
	}
}

func TestQueryDeviceWindowFilter(t *testing.T) {
	s := NewMemoryStore()
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	// In-window events for SC-1
	in1 := mustAppend(t, s, "SC-1", models.CategoryHeartbeat, day.Add(2*time.Hour))
	in2 := mustAppend(t, s, "SC-1", models.CategoryBirdDetection, day.Add(3*time.Hour))
	// Other device, same window
	mustAppend(t, s, "SC-2", models.CategoryHeartbeat, day.Add(2*time.Hour))
	// Same device, previous day
	mustAppend(t, s, "SC-1", models.CategoryHeartbeat, day.Add(-5*time.Hour))

	start := day
	end := day.Add(24 * time.Hour)
	events, total, err := s.QueryEvents(context.Background(), EventFilter{
		DeviceID: "SC-1",
		Start:    &start,
		End:      &end,
		Order:    OrderAsc,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if total != 2 || len(events) != 2 {
		t.Fatalf("expected exactly the 2 matching events, got total=%d len=%d", total, len(events))
	}
	if events[0].ID != in1.ID || events[1].ID != in2.ID {
		t.Fatal("expected oldest-first ordering of the matching subset")
	}
}

func TestQueryNewestFirstPagination(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		mustAppend(t, s, "SC-1", models.CategoryHeartbeat, base.Add(time.Duration(i)*time.Minute))
	}

	events, total, err := s.QueryEvents(context.Background(), EventFilter{
		Order: OrderDesc,
		Limit: 2,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(events) != 2 {
		t.Fatalf("expected page of 2, got %d", len(events))
	}
	if !events[0].Timestamp.After(events[1].Timestamp) {
		t.Fatal("expected newest-first page")
	}
}

func TestCategoryAndSeverityFilter(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)

	mustAppend(t, s, "SC-1", models.CategoryHeartbeat, base)
	detection := mustAppend(t, s, "SC-1", models.CategoryBirdDetection, base.Add(time.Minute))

	events, _, err := s.QueryEvents(context.Background(), EventFilter{
		Categories: []models.EventCategory{models.CategoryBirdDetection},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].ID != detection.ID {
		t.Fatal("expected only the bird detection event")
	}

	alertSev := models.SeverityAlert
	events, _, err = s.QueryEvents(context.Background(), EventFilter{Severity: &alertSev})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no alert-severity events, got %d", len(events))
	}
}

func TestConcurrentAppendsPreservePerDeviceOrder(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	const perDevice = 100

	var wg sync.WaitGroup
	for _, deviceID := range []string{"SC-1", "SC-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perDevice; i++ {
				mustAppend(t, s, id, models.CategoryHeartbeat, base.Add(time.Duration(i)*time.Second))
			}
		}(deviceID)
	}
	wg.Wait()

	for _, deviceID := range []string{"SC-1", "SC-2"} {
		events, _, err := s.QueryEvents(context.Background(), EventFilter{
			DeviceID: deviceID,
			Order:    OrderAsc,
		})
		if err != nil {
			t.Fatalf("query %s: %v", deviceID, err)
		}
		if len(events) != perDevice {
			t.Fatalf("%s: expected %d events, got %d", deviceID, perDevice, len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i].Timestamp.Before(events[i-1].Timestamp) {
				t.Fatalf("%s: per-device timestamp order violated at %d", deviceID, i)
			}
			if events[i].Timestamp.Equal(events[i-1].Timestamp) && events[i].Seq < events[i-1].Seq {
				t.Fatalf("%s: per-device sequence order violated at %d", deviceID, i)
			}
		}
	}
}

func TestTransactionCommitIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateDevice(ctx, &models.Device{ID: "SC-1", Name: "Field Scarecrow #1"}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	ts := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	event := &models.Event{DeviceID: "SC-1", Category: models.CategoryHeartbeat, Severity: models.SeverityInfo, Timestamp: ts}
	if err := tx.AppendEvent(ctx, event); err != nil {
		t.Fatalf("tx append: %v", err)
	}
	if err := tx.TouchDevice(ctx, "SC-1", ts, nil); err != nil {
		t.Fatalf("tx touch: %v", err)
	}

	// Nothing visible before commit
	if _, total, _ := s.QueryEvents(ctx, EventFilter{}); total != 0 {
		t.Fatal("event visible before commit")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, total, _ := s.QueryEvents(ctx, EventFilter{}); total != 1 {
		t.Fatal("event not visible after commit")
	}
	device, err := s.GetDevice(ctx, "SC-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.LastSeenAt == nil || !device.LastSeenAt.Equal(ts) {
		t.Fatal("heartbeat not recorded with event")
	}
}

func TestUnavailableStorageRejectsWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateDevice(ctx, &models.Device{ID: "SC-1"}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	s.FailWrites(true)

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	ts := time.Now()
	tx.AppendEvent(ctx, &models.Event{DeviceID: "SC-1", Category: models.CategoryHeartbeat, Timestamp: ts})
	tx.TouchDevice(ctx, "SC-1", ts, nil)

	if err := tx.Commit(); err != ErrStorageUnavailable {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	s.FailWrites(false)
	if _, total, _ := s.QueryEvents(ctx, EventFilter{}); total != 0 {
		t.Fatal("partial write after failed commit")
	}
	device, _ := s.GetDevice(ctx, "SC-1")
	if device.LastSeenAt != nil {
		t.Fatal("heartbeat recorded despite failed commit")
	}
}

func TestDeactivatedDevicesExcludedFromList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CreateDevice(ctx, &models.Device{ID: "SC-1"})
	s.CreateDevice(ctx, &models.Device{ID: "SC-2", IsDisabled: true})

	devices, err := s.ListDevices(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "SC-1" {
		t.Fatal("expected only active devices")
	}

	devices, _ = s.ListDevices(ctx, true)
	if len(devices) != 2 {
		t.Fatal("expected deactivated device to remain stored")
	}
}
