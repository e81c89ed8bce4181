package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scarecrow-farm/scarecrow-server/internal/config"
	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
)

type capturePublisher struct {
	mu        sync.Mutex
	published []*models.Alert
	failures  int
	attempts  int
}

func (p *capturePublisher) PublishAlert(alert *models.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, alert)
	return nil
}

func (p *capturePublisher) delivered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *capturePublisher) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func offlineRule(cooldown time.Duration) config.AlertRule {
	return config.AlertRule{Name: "device-offline", Kind: KindDeviceOffline, Cooldown: cooldown}
}

func newTestDispatcher(rules []config.AlertRule, pub Publisher) (*Dispatcher, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	d := NewDispatcher(store, rules, pub)
	d.retryWait = time.Millisecond
	return d, store
}

func firedAlerts(t *testing.T, store *storage.MemoryStore) []*models.Alert {
	t.Helper()
	alerts, _, err := store.ListAlerts(context.Background(), "", 0, 0)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return alerts
}

func TestOfflineTransitionFiresOnce(t *testing.T) {
	pub := &capturePublisher{}
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(30 * time.Minute)}, pub)
	ctx := context.Background()

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	d.HandleTransition(ctx, "SC-1", models.ConnStateOnline, models.ConnStateOffline, at)
	d.Drain()

	alerts := firedAlerts(t, store)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].DeviceID != "SC-1" || alerts[0].Rule != "device-offline" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
	if pub.delivered() != 1 {
		t.Fatal("alert not delivered to publisher")
	}
}

func TestRecoveryTransitionIsIgnored(t *testing.T) {
	pub := &capturePublisher{}
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(30 * time.Minute)}, pub)

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	d.HandleTransition(context.Background(), "SC-1", models.ConnStateOffline, models.ConnStateOnline, at)
	d.Drain()

	if len(firedAlerts(t, store)) != 0 {
		t.Fatal("recovery must not fire an offline alert")
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	pub := &capturePublisher{}
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(30 * time.Minute)}, pub)
	ctx := context.Background()

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// Flapping device: offline, back, offline again within cooldown
	d.HandleTransition(ctx, "SC-1", models.ConnStateOnline, models.ConnStateOffline, at)
	d.HandleTransition(ctx, "SC-1", models.ConnStateOnline, models.ConnStateOffline, at.Add(10*time.Minute))

	// Past cooldown it fires again
	d.HandleTransition(ctx, "SC-1", models.ConnStateOnline, models.ConnStateOffline, at.Add(45*time.Minute))
	d.Drain()

	if got := len(firedAlerts(t, store)); got != 2 {
		t.Fatalf("expected 2 alerts (second flap suppressed), got %d", got)
	}
}

func TestCooldownIsPerDevice(t *testing.T) {
	pub := &capturePublisher{}
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(30 * time.Minute)}, pub)
	ctx := context.Background()

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	d.HandleTransition(ctx, "SC-1", models.ConnStateOnline, models.ConnStateOffline, at)
	d.HandleTransition(ctx, "SC-2", models.ConnStateOnline, models.ConnStateOffline, at)
	d.Drain()

	if got := len(firedAlerts(t, store)); got != 2 {
		t.Fatalf("one device's cooldown suppressed another's alert: got %d", got)
	}
}

func TestBatteryLowRule(t *testing.T) {
	rule := config.AlertRule{Name: "battery-low", Kind: KindBatteryLow, Threshold: 20, Cooldown: 6 * time.Hour}
	pub := &capturePublisher{}
	d, store := newTestDispatcher([]config.AlertRule{rule}, pub)
	ctx := context.Background()

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// Healthy heartbeat: no alert
	d.HandleEvent(ctx, &models.Event{
		DeviceID: "SC-1", Category: models.CategoryHeartbeat, Timestamp: at,
		Payload: models.Payload{models.PayloadBattery: 80},
	})
	// Below threshold
	d.HandleEvent(ctx, &models.Event{
		DeviceID: "SC-1", Category: models.CategoryHeartbeat, Timestamp: at.Add(time.Hour),
		Payload: models.Payload{models.PayloadBattery: 15},
	})
	// Still low an hour later: cooldown holds
	d.HandleEvent(ctx, &models.Event{
		DeviceID: "SC-1", Category: models.CategoryHeartbeat, Timestamp: at.Add(2 * time.Hour),
		Payload: models.Payload{models.PayloadBattery: 12},
	})
	d.Drain()

	alerts := firedAlerts(t, store)
	if len(alerts) != 1 {
		t.Fatalf("expected one battery alert, got %d", len(alerts))
	}
	if alerts[0].Details.Int(models.PayloadBattery) != 15 {
		t.Fatalf("unexpected alert details: %+v", alerts[0].Details)
	}
}

func TestDetectionSurgeRule(t *testing.T) {
	rule := config.AlertRule{Name: "detection-surge", Kind: KindDetectionSurge, Threshold: 10, Cooldown: 15 * time.Minute}
	pub := &capturePublisher{}
	d, store := newTestDispatcher([]config.AlertRule{rule}, pub)
	ctx := context.Background()

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	d.HandleEvent(ctx, &models.Event{
		DeviceID: "SC-1", Category: models.CategoryBirdDetection, Timestamp: at,
		Payload: models.Payload{models.PayloadSpecies: "Crow", models.PayloadCount: 4},
	})
	d.HandleEvent(ctx, &models.Event{
		DeviceID: "SC-1", Category: models.CategoryBirdDetection, Timestamp: at.Add(time.Minute),
		Payload: models.Payload{models.PayloadSpecies: "Starling", models.PayloadCount: 24},
	})
	d.Drain()

	alerts := firedAlerts(t, store)
	if len(alerts) != 1 {
		t.Fatalf("expected one surge alert, got %d", len(alerts))
	}
	if alerts[0].Details.String(models.PayloadSpecies) != "Starling" {
		t.Fatalf("unexpected alert details: %+v", alerts[0].Details)
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	pub := &capturePublisher{failures: 2}
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(time.Minute)}, pub)

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	d.HandleTransition(context.Background(), "SC-1", models.ConnStateOnline, models.ConnStateOffline, at)
	d.Drain()

	if pub.delivered() != 1 {
		t.Fatal("delivery did not recover after transient failures")
	}
	if pub.attemptCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", pub.attemptCount())
	}
	if len(firedAlerts(t, store)) != 1 {
		t.Fatal("alert not persisted")
	}
}

func TestDeliveryGivesUpAfterBoundedRetries(t *testing.T) {
	pub := &capturePublisher{failures: 100}
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(time.Minute)}, pub)

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	d.HandleTransition(context.Background(), "SC-1", models.ConnStateOnline, models.ConnStateOffline, at)
	d.Drain()

	if pub.delivered() != 0 {
		t.Fatal("expected delivery to be dropped")
	}
	if pub.attemptCount() != d.maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", d.maxRetries+1, pub.attemptCount())
	}
	// The alert record survives even when delivery fails
	if len(firedAlerts(t, store)) != 1 {
		t.Fatal("alert not persisted despite failed delivery")
	}
}

func TestFailedPersistReleasesCooldown(t *testing.T) {
	pub := &capturePublisher{}
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(30 * time.Minute)}, pub)
	ctx := context.Background()

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	store.FailWrites(true)
	d.HandleTransition(ctx, "SC-1", models.ConnStateOnline, models.ConnStateOffline, at)
	d.Drain()

	if pub.delivered() != 0 {
		t.Fatal("alert delivered without durable record")
	}

	// Storage recovers; the next transition inside the original cooldown
	// window must still fire.
	store.FailWrites(false)
	d.HandleTransition(ctx, "SC-1", models.ConnStateOnline, models.ConnStateOffline, at.Add(5*time.Minute))
	d.Drain()

	alerts := firedAlerts(t, store)
	if len(alerts) != 1 {
		t.Fatalf("expected alert after storage recovery, got %d", len(alerts))
	}
	if pub.delivered() != 1 {
		t.Fatal("recovered alert not delivered")
	}
}

func TestFireWithoutPublisher(t *testing.T) {
	d, store := newTestDispatcher([]config.AlertRule{offlineRule(time.Minute)}, nil)

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	d.HandleTransition(context.Background(), "SC-1", models.ConnStateOnline, models.ConnStateOffline, at)
	d.Drain()

	if len(firedAlerts(t, store)) != 1 {
		t.Fatal("alert must persist without a publisher")
	}
}
