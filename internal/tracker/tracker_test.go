package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
)

type transition struct {
	deviceID string
	from, to models.ConnState
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *recorder) record(deviceID string, from, to models.ConnState, at time.Time) {
	r.mu.Lock()
	r.transitions = append(r.transitions, transition{deviceID, from, to})
	r.mu.Unlock()
}

func (r *recorder) all() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...)
}

func newTestTracker(t *testing.T, now *time.Time) (*Tracker, *storage.MemoryStore, *recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	trk := New(store, 15*time.Minute, time.Minute)
	trk.now = func() time.Time { return *now }

	rec := &recorder{}
	trk.OnTransition(rec.record)
	return trk, store, rec
}

func TestFirstHeartbeatBringsDeviceOnline(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	trk, _, rec := newTestTracker(t, &now)

	if _, err := trk.Status("SC-1"); err != ErrUnknownDevice {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}

	trk.RecordHeartbeat("SC-1", now)

	status, err := trk.Status("SC-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != models.ConnStateOnline {
		t.Fatalf("expected Online, got %s", status.State)
	}
	if status.LastSeenAt == nil || !status.LastSeenAt.Equal(now) {
		t.Fatal("expected lastSeen to match heartbeat")
	}

	transitions := rec.all()
	if len(transitions) != 1 || transitions[0].from != models.ConnStateUnknown || transitions[0].to != models.ConnStateOnline {
		t.Fatalf("expected Unknown->Online transition, got %+v", transitions)
	}
}

func TestSilentDeviceGoesOfflineOnSweep(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	trk, store, rec := newTestTracker(t, &now)
	ctx := context.Background()

	trk.RecordHeartbeat("SC-1", now)

	// Within threshold: no transition
	now = now.Add(10 * time.Minute)
	trk.Sweep(ctx)
	if status, _ := trk.Status("SC-1"); status.State != models.ConnStateOnline {
		t.Fatal("device went offline before threshold")
	}

	// Past threshold
	now = now.Add(10 * time.Minute)
	trk.Sweep(ctx)

	status, _ := trk.Status("SC-1")
	if status.State != models.ConnStateOffline {
		t.Fatalf("expected Offline, got %s", status.State)
	}

	transitions := rec.all()
	if len(transitions) != 2 || transitions[1].to != models.ConnStateOffline {
		t.Fatalf("expected exactly one offline transition, got %+v", transitions)
	}

	// The connectivity change is in the event log
	events, _, err := store.QueryEvents(ctx, storage.EventFilter{
		Categories: []models.EventCategory{models.CategoryConnectivityChange},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one connectivity event, got %d", len(events))
	}
	if events[0].Payload.String(models.PayloadState) != string(models.ConnStateOffline) {
		t.Fatal("expected offline state in payload")
	}

	// A later sweep with no recovery must not transition again
	now = now.Add(30 * time.Minute)
	trk.Sweep(ctx)
	if len(rec.all()) != 2 {
		t.Fatal("offline transition fired repeatedly while device stayed offline")
	}
}

func TestHeartbeatRecoversOfflineDevice(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	trk, _, rec := newTestTracker(t, &now)
	ctx := context.Background()

	trk.RecordHeartbeat("SC-1", now)
	now = now.Add(time.Hour)
	trk.Sweep(ctx)

	trk.RecordHeartbeat("SC-1", now)

	status, _ := trk.Status("SC-1")
	if status.State != models.ConnStateOnline {
		t.Fatalf("expected Online after recovery, got %s", status.State)
	}

	transitions := rec.all()
	last := transitions[len(transitions)-1]
	if last.from != models.ConnStateOffline || last.to != models.ConnStateOnline {
		t.Fatalf("expected Offline->Online, got %+v", last)
	}
}

func TestStaleHeartbeatDoesNotRewindLastSeen(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	trk, _, _ := newTestTracker(t, &now)

	trk.RecordHeartbeat("SC-1", now)
	trk.RecordHeartbeat("SC-1", now.Add(-time.Minute))

	status, _ := trk.Status("SC-1")
	if !status.LastSeenAt.Equal(now) {
		t.Fatal("stale heartbeat rewound lastSeen")
	}
}

func TestHydrateClassifiesDevices(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	ctx := context.Background()

	recent := now.Add(-5 * time.Minute)
	old := now.Add(-time.Hour)
	store.CreateDevice(ctx, &models.Device{ID: "SC-recent", LastSeenAt: &recent})
	store.CreateDevice(ctx, &models.Device{ID: "SC-old", LastSeenAt: &old})
	store.CreateDevice(ctx, &models.Device{ID: "SC-new"})

	trk := New(store, 15*time.Minute, time.Minute)
	trk.now = func() time.Time { return now }

	if err := trk.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	for id, want := range map[string]models.ConnState{
		"SC-recent": models.ConnStateOnline,
		"SC-old":    models.ConnStateOffline,
		"SC-new":    models.ConnStateUnknown,
	} {
		status, err := trk.Status(id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if status.State != want {
			t.Errorf("%s: expected %s, got %s", id, want, status.State)
		}
	}
}
