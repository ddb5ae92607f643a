package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/domain"
)

type cleanupFixture struct {
	svc         *CleanupService
	devices     *mockDeviceRepo
	heartbeats  *mockHeartbeatRepo
	screenshots *mockScreenshotRepo
	store       *memStore
	notifier    *fakeNotifier
	now         time.Time
}

func newCleanupFixture(retentionDays int) *cleanupFixture {
	f := &cleanupFixture{
		devices:     newMockDeviceRepo(),
		heartbeats:  newMockHeartbeatRepo(),
		screenshots: newMockScreenshotRepo(),
		store:       newMemStore(),
		notifier:    newFakeNotifier(),
		now:         time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewCleanupService(f.devices, f.heartbeats, f.screenshots, nil, nil, f.store, f.notifier,
		CleanupConfig{OfflineAfter: 5 * time.Minute, RetentionDays: retentionDays}, testLogger())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *cleanupFixture) addDevice(status domain.DeviceStatus, lastSeen time.Duration) *domain.Device {
	seen := f.now.Add(-lastSeen)
	d := &domain.Device{ID: uuid.New(), Status: status, LastHeartbeat: &seen, IsActive: true}
	f.devices.devices[d.ID] = d
	return d
}

func TestSweepStaleDevices(t *testing.T) {
	f := newCleanupFixture(0)
	stale := f.addDevice(domain.DeviceOnline, 10*time.Minute)
	staleIdle := f.addDevice(domain.DeviceIdle, 6*time.Minute)
	fresh := f.addDevice(domain.DeviceOnline, time.Minute)
	paused := f.addDevice(domain.DevicePaused, time.Hour)

	if n := f.svc.SweepStaleDevices(context.Background()); n != 2 {
		t.Fatalf("expected 2 devices marked offline, got %d", n)
	}
	want := map[*domain.Device]domain.DeviceStatus{
		stale:     domain.DeviceOffline,
		staleIdle: domain.DeviceOffline,
		fresh:     domain.DeviceOnline,
		paused:    domain.DevicePaused,
	}
	for d, status := range want {
		if d.Status != status {
			t.Fatalf("device %s: expected %s, got %s", d.ID, status, d.Status)
		}
	}
}

func TestSweepRetention_DeletesBlobsAndRows(t *testing.T) {
	f := newCleanupFixture(30)
	ctx := context.Background()

	old := &domain.Screenshot{SHA256: "a", BlobKey: "acme/d/old.jpg", ThumbKey: "acme/d/old_thumb.jpg", TakenAt: f.now.AddDate(0, 0, -45)}
	recent := &domain.Screenshot{SHA256: "b", BlobKey: "acme/d/new.jpg", TakenAt: f.now.AddDate(0, 0, -1)}
	for _, s := range []*domain.Screenshot{old, recent} {
		f.screenshots.Create(ctx, s)
		f.store.blobs[s.BlobKey] = []byte("x")
		if s.ThumbKey != "" {
			f.store.blobs[s.ThumbKey] = []byte("t")
		}
	}
	f.heartbeats.Create(ctx, &domain.Heartbeat{CreatedAt: f.now.AddDate(0, 0, -40)})
	f.heartbeats.Create(ctx, &domain.Heartbeat{CreatedAt: f.now.Add(-time.Hour)})

	shots, hbs := f.svc.SweepRetention(ctx)
	if shots != 1 || hbs != 1 {
		t.Fatalf("expected 1 screenshot and 1 heartbeat removed, got %d/%d", shots, hbs)
	}
	if f.store.has(old.BlobKey) || f.store.has(old.ThumbKey) {
		t.Fatal("old blobs must be deleted")
	}
	if !f.store.has(recent.BlobKey) {
		t.Fatal("recent blob must survive")
	}
	if _, err := f.screenshots.GetByID(ctx, old.ID); err == nil {
		t.Fatal("old row must be deleted")
	}
}

func TestSweepRetention_BlobFailureDoesNotAbort(t *testing.T) {
	f := newCleanupFixture(30)
	ctx := context.Background()
	f.store.failDelete = true

	for i := 0; i < 3; i++ {
		f.screenshots.Create(ctx, &domain.Screenshot{
			SHA256:  uuid.NewString(),
			BlobKey: uuid.NewString() + ".jpg",
			TakenAt: f.now.AddDate(0, 0, -60),
		})
	}
	shots, _ := f.svc.SweepRetention(ctx)
	if shots != 3 || len(f.screenshots.shots) != 0 {
		t.Fatalf("every row must be deleted despite blob errors, got %d", shots)
	}
}

func TestSweepRetention_DisabledWithoutDays(t *testing.T) {
	f := newCleanupFixture(0)
	ctx := context.Background()
	f.screenshots.Create(ctx, &domain.Screenshot{SHA256: "a", BlobKey: "k", TakenAt: f.now.AddDate(-1, 0, 0)})

	if shots, _ := f.svc.SweepRetention(ctx); shots != 0 {
		t.Fatal("retention must be off when no window is configured")
	}
}

type countingRunner struct{ calls int }

func (r *countingRunner) RunAll(context.Context) (int, error) {
	r.calls++
	return 0, nil
}

func TestRunMaintenance_QueuesPolicies(t *testing.T) {
	f := newCleanupFixture(30)
	runner := &countingRunner{}
	f.svc.policies = runner

	f.svc.RunMaintenance(context.Background())
	if runner.calls != 1 {
		t.Fatalf("expected retention policies to be queued once, got %d", runner.calls)
	}
}

func TestStartScheduler_StopsOnCancel(t *testing.T) {
	f := newCleanupFixture(0)
	f.svc.cfg.SweepInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.svc.StartScheduler(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
