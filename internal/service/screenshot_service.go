package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/storage"
)

const (
	MaxScreenshotBytes = 10 << 20
	backfillBatchSize  = 100
	screenshotMIME     = "image/jpeg"
)

type ScreenshotInput struct {
	Image   string     `json:"image"`
	Width   int        `json:"width"`
	Height  int        `json:"height"`
	TakenAt *time.Time `json:"taken_at"`
}

type ScreenshotResult struct {
	Screenshot *domain.Screenshot `json:"screenshot"`
	Duplicate  bool               `json:"duplicate"`
}

type ScreenshotService struct {
	repo     domain.ScreenshotRepository
	users    domain.UserRepository
	store    storage.BlobStore
	thumbs   *Thumbnailer
	activity ActivityRecorder
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewScreenshotService(repo domain.ScreenshotRepository, users domain.UserRepository, store storage.BlobStore,
	thumbs *Thumbnailer, activity ActivityRecorder, notifier Notifier, log *slog.Logger) *ScreenshotService {
	return &ScreenshotService{
		repo:     repo,
		users:    users,
		store:    store,
		thumbs:   thumbs,
		activity: activity,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Ingest stores a screenshot once per content digest. A repeated frame returns the stored
// row with Duplicate set and writes nothing.
func (s *ScreenshotService) Ingest(ctx context.Context, d *domain.Device, in ScreenshotInput) (*ScreenshotResult, error) {
	raw, err := decodeImagePayload(in.Image)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	existing, err := s.repo.GetBySHA256(ctx, digest)
	if err == nil {
		return &ScreenshotResult{Screenshot: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lookup screenshot digest: %w", err)
	}

	takenAt := s.now().UTC()
	if in.TakenAt != nil && !in.TakenAt.IsZero() {
		takenAt = in.TakenAt.UTC()
	}
	width, height := in.Width, in.Height
	if width <= 0 || height <= 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
			width, height = cfg.Width, cfg.Height
		}
	}

	key := screenshotKey(d, takenAt, digest)
	if _, err := s.store.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), screenshotMIME); err != nil {
		return nil, fmt.Errorf("%w: store screenshot: %w", domain.ErrStorage, err)
	}

	shot := &domain.Screenshot{
		DeviceID:     d.ID,
		UserSnapshot: userSnapshot(ctx, s.users, d, s.log),
		BlobKey:      key,
		Width:        width,
		Height:       height,
		SizeBytes:    int64(len(raw)),
		SHA256:       digest,
		TakenAt:      takenAt,
	}
	shot.ThumbKey = s.storeThumbnail(ctx, key, raw)

	if err := s.repo.Create(ctx, shot); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return s.lostRace(ctx, shot)
		}
		return nil, fmt.Errorf("record screenshot: %w", err)
	}

	s.log.Info("screenshot stored", "device_id", d.ID, "screenshot_id", shot.ID, "bytes", shot.SizeBytes)
	s.record(d, shot)
	notify(s.notifier, s.log, ChannelScreenshots, shot)
	return &ScreenshotResult{Screenshot: shot}, nil
}

// lostRace handles a concurrent insert of the same digest. Our blobs are removed only when
// they live under different keys than the winner's.
func (s *ScreenshotService) lostRace(ctx context.Context, ours *domain.Screenshot) (*ScreenshotResult, error) {
	winner, err := s.repo.GetBySHA256(ctx, ours.SHA256)
	if err != nil {
		return nil, fmt.Errorf("reload screenshot digest: %w", err)
	}
	if ours.BlobKey != winner.BlobKey {
		s.deleteBlob(ctx, ours.BlobKey)
	}
	if ours.ThumbKey != "" && ours.ThumbKey != winner.ThumbKey {
		s.deleteBlob(ctx, ours.ThumbKey)
	}
	return &ScreenshotResult{Screenshot: winner, Duplicate: true}, nil
}

// storeThumbnail returns the thumbnail key, or "" when generation or upload failed.
func (s *ScreenshotService) storeThumbnail(ctx context.Context, key string, raw []byte) string {
	if s.thumbs == nil {
		return ""
	}
	thumb, err := s.thumbs.Make(raw)
	if err != nil {
		s.log.Warn("thumbnail generation failed", "key", key, "err", err)
		return ""
	}
	thumbKey := thumbnailKey(key)
	if _, err := s.store.Put(ctx, thumbKey, bytes.NewReader(thumb), int64(len(thumb)), screenshotMIME); err != nil {
		s.log.Warn("thumbnail upload failed", "key", thumbKey, "err", err)
		return ""
	}
	return thumbKey
}

// BackfillThumbnails regenerates thumbnails for screenshots that lack one.
func (s *ScreenshotService) BackfillThumbnails(ctx context.Context) (int, error) {
	shots, err := s.repo.ListMissingThumbnails(ctx, backfillBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list screenshots without thumbnail: %w", err)
	}
	done := 0
	for _, shot := range shots {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		raw, err := s.readBlob(ctx, shot.BlobKey)
		if err != nil {
			s.log.Warn("backfill: read original", "screenshot_id", shot.ID, "err", err)
			continue
		}
		thumbKey := s.storeThumbnail(ctx, shot.BlobKey, raw)
		if thumbKey == "" {
			continue
		}
		if err := s.repo.SetThumbKey(ctx, shot.ID, thumbKey); err != nil {
			s.log.Warn("backfill: save thumbnail key", "screenshot_id", shot.ID, "err", err)
			continue
		}
		done++
	}
	return done, nil
}

func (s *ScreenshotService) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, MaxScreenshotBytes+1))
}

func (s *ScreenshotService) Get(ctx context.Context, id uuid.UUID) (*domain.Screenshot, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *ScreenshotService) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*domain.Screenshot, error) {
	return s.repo.ListByDevice(ctx, deviceID, telemetryLimit(limit))
}

// Open streams the original or, when thumb is set and one exists, the thumbnail.
func (s *ScreenshotService) Open(ctx context.Context, shot *domain.Screenshot, thumb bool) (io.ReadCloser, error) {
	key := shot.BlobKey
	if thumb && shot.ThumbKey != "" {
		key = shot.ThumbKey
	}
	rc, err := s.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: open screenshot: %w", domain.ErrStorage, err)
	}
	return rc, nil
}

func (s *ScreenshotService) deleteBlob(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		s.log.Warn("delete blob", "key", key, "err", err)
	}
}

func (s *ScreenshotService) record(d *domain.Device, shot *domain.Screenshot) {
	if s.activity == nil {
		return
	}
	in := EventInput{
		TenantID: d.OrgID,
		Actor:    &ActorInput{Role: domain.RoleSystem},
		Verb:     string(domain.VerbScreenshot),
		Target:   TargetInput{Type: "Screenshot", ID: shot.ID.String()},
		Source:   string(domain.SourceWorker),
		Context: domain.EventContext{
			DeviceID:   d.ID.String(),
			DeviceName: d.Hostname,
			Filename:   shot.BlobKey,
		},
	}
	if shot.UserID != nil {
		actor := shot.UserID.String()
		in.Actor = &ActorInput{ID: &actor, Role: shot.UserRole}
	}
	s.activity.EmitAsync(in)
}

// decodeImagePayload accepts plain or data-URL base64, padded or not.
func decodeImagePayload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, domain.Invalid("image", "required")
	}
	if strings.HasPrefix(payload, "data:") {
		i := strings.IndexByte(payload, ',')
		if i < 0 {
			return nil, domain.Invalid("image", "malformed data URL")
		}
		payload = payload[i+1:]
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxScreenshotBytes+3 {
		return nil, domain.Invalid("image", "image exceeds 10MB")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, domain.Invalid("image", "invalid base64")
		}
	}
	if len(raw) == 0 {
		return nil, domain.Invalid("image", "empty image")
	}
	if len(raw) > MaxScreenshotBytes {
		return nil, domain.Invalid("image", "image exceeds 10MB")
	}
	return raw, nil
}

func screenshotKey(d *domain.Device, at time.Time, digest string) string {
	org := d.OrgID
	if org == "" {
		org = domain.DefaultTenant
	}
	return fmt.Sprintf("%s/%s/%s/%s.jpg", org, d.ID, at.UTC().Format("2006/01/02"), digest)
}

func thumbnailKey(key string) string {
	return strings.TrimSuffix(key, ".jpg") + "_thumb.jpg"
}
