package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/eventhash"
	"github.com/CaioWing/Watchtower/internal/rbac"
)

const (
	DefaultBatchCap = 100
	DefaultPageSize = 50
	MaxPageSize     = 500

	emitTimeout = 5 * time.Second
)

type ActorInput struct {
	ID   *string `json:"id"`
	Role string  `json:"role"`
}

type TargetInput struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EventInput is an event as submitted by a producer, before normalization.
type EventInput struct {
	Timestamp *time.Time          `json:"timestamp"`
	TenantID  string              `json:"tenant_id"`
	Actor     *ActorInput         `json:"actor"`
	Verb      string              `json:"verb"`
	Target    TargetInput         `json:"target"`
	Context   domain.EventContext `json:"context"`
	Source    string              `json:"source"`
	RequestID string              `json:"request_id"`
}

// ReadOptions controls the read-side representation of events.
type ReadOptions struct {
	IncludePII bool
	Secure     bool
}

type EventService struct {
	repo     domain.EventRepository
	keys     domain.IngestionKeyRepository
	log      *slog.Logger
	batchCap int
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewEventService(repo domain.EventRepository, keys domain.IngestionKeyRepository, batchCap int, log *slog.Logger) *EventService {
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	return &EventService{repo: repo, keys: keys, log: log, batchCap: batchCap, now: time.Now}
}

// Normalize validates in and produces the event that will be hashed and stored.
func (s *EventService) Normalize(in EventInput) (*domain.ActivityEvent, error) {
	e := &domain.ActivityEvent{
		TenantID:   strings.TrimSpace(in.TenantID),
		ActorRole:  domain.RoleSystem,
		TargetType: strings.TrimSpace(in.Target.Type),
		TargetID:   strings.TrimSpace(in.Target.ID),
		Context:    in.Context.Clone(),
		RequestID:  strings.TrimSpace(in.RequestID),
	}
	if e.TenantID == "" {
		e.TenantID = domain.DefaultTenant
	}

	if in.Actor != nil {
		if in.Actor.ID != nil && strings.TrimSpace(*in.Actor.ID) != "" {
			id := strings.TrimSpace(*in.Actor.ID)
			e.ActorID = &id
		}
		if role := strings.ToUpper(strings.TrimSpace(in.Actor.Role)); role != "" {
			e.ActorRole = role
		}
	}

	verb, ok := domain.ParseVerb(in.Verb)
	if !ok {
		return nil, domain.Invalid("verb", fmt.Sprintf("unknown verb %q", in.Verb))
	}
	e.Verb = verb

	if strings.TrimSpace(in.Source) == "" {
		e.Source = domain.SourceAPI
	} else {
		src, ok := domain.ParseSource(in.Source)
		if !ok {
			return nil, domain.Invalid("source", fmt.Sprintf("unknown source %q", in.Source))
		}
		e.Source = src
	}

	if e.TargetType == "" {
		return nil, domain.Invalid("target.type", "required")
	}
	if !domain.IsAllowedTargetType(e.TargetType) {
		return nil, domain.Invalid("target.type", fmt.Sprintf("target type %q is not allowed", e.TargetType))
	}

	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		e.Timestamp = in.Timestamp.UTC()
	} else {
		e.Timestamp = s.now().UTC()
	}

	hash, err := eventhash.Hash(e)
	if err != nil {
		return nil, fmt.Errorf("hash event: %w", err)
	}
	e.Hash = hash
	return e, nil
}

// Ingest stores one event. Replaying a (tenant_id, request_id) pair returns the original event
// with created == false.
func (s *EventService) Ingest(ctx context.Context, in EventInput) (*domain.ActivityEvent, bool, error) {
	e, err := s.Normalize(in)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.repo.Append(ctx, e)
	if err != nil {
		return nil, false, fmt.Errorf("append event: %w", err)
	}
	if !created {
		s.log.Debug("duplicate ingest", "tenant_id", stored.TenantID, "request_id", stored.RequestID, "id", stored.ID)
	}
	return stored, created, nil
}

// IngestBatch validates every event before storing any, then stores them in order. The
// returned ids line up with inputs; replays return the original ids.
func (s *EventService) IngestBatch(ctx context.Context, inputs []EventInput) ([]uuid.UUID, error) {
	if len(inputs) == 0 {
		return nil, domain.Invalid("events", "empty batch")
	}
	if len(inputs) > s.batchCap {
		return nil, domain.Invalid("events", fmt.Sprintf("batch of %d exceeds the limit of %d", len(inputs), s.batchCap))
	}

	events := make([]*domain.ActivityEvent, len(inputs))
	for i, in := range inputs {
		e, err := s.Normalize(in)
		if err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				return nil, domain.Invalid(fmt.Sprintf("events[%d].%s", i, ve.Field), ve.Reason)
			}
			return nil, err
		}
		events[i] = e
	}

	ids := make([]uuid.UUID, 0, len(events))
	for i, e := range events {
		stored, _, err := s.repo.Append(ctx, e)
		if err != nil {
			return ids, fmt.Errorf("append event %d: %w", i, err)
		}
		ids = append(ids, stored.ID)
	}
	return ids, nil
}

// EmitAsync records an event without blocking or failing the caller.
func (s *EventService) EmitAsync(in EventInput) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if _, _, err := s.Ingest(ctx, in); err != nil {
			s.log.Warn("activity emit dropped", "verb", in.Verb, "target_type", in.Target.Type, "err", err)
		}
	}()
}

// Drain waits for in-flight EmitAsync calls or until ctx is done.
func (s *EventService) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// VerifyIngestion authenticates a raw ingestion body against an active key.
func (s *EventService) VerifyIngestion(ctx context.Context, keyID string, body []byte, signature string) error {
	if keyID == "" || signature == "" {
		return fmt.Errorf("%w: missing ingestion credentials", domain.ErrUnauthorized)
	}
	key, err := s.keys.GetActive(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: unknown ingestion key", domain.ErrUnauthorized)
		}
		return fmt.Errorf("lookup ingestion key: %w", err)
	}
	if !auth.Verify([]byte(key.Secret), body, signature) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthorized)
	}
	if err := s.keys.Touch(ctx, keyID); err != nil {
		s.log.Warn("touch ingestion key failed", "key_id", keyID, "err", err)
	}
	return nil
}

// CreateIngestionKey returns the new key with its secret populated. The secret is not
// retrievable afterwards.
func (s *EventService) CreateIngestionKey(ctx context.Context) (*domain.LogIngestionKey, error) {
	id := make([]byte, 8)
	secret := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}
	key := &domain.LogIngestionKey{
		KeyID:    "lk_" + hex.EncodeToString(id),
		Secret:   base64.RawURLEncoding.EncodeToString(secret),
		IsActive: true,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("create ingestion key: %w", err)
	}
	s.log.Info("ingestion key created", "key_id", key.KeyID)
	return key, nil
}

func (s *EventService) RevokeIngestionKey(ctx context.Context, keyID string) error {
	return s.keys.Deactivate(ctx, keyID)
}

// List applies the caller's RBAC scope and tenant before paging.
func (s *EventService) List(ctx context.Context, p domain.Principal, f domain.EventFilter, cursor *domain.EventCursor, limit int, opts ReadOptions) (*domain.EventPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	s.restrict(p, &f)

	page, err := s.repo.List(ctx, f, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	reveal := canSeePII(p, opts)
	for i, e := range page.Events {
		page.Events[i] = present(e, reveal)
	}
	return page, nil
}

// Get returns ErrNotFound both for missing events and for events outside the caller's scope.
func (s *EventService) Get(ctx context.Context, p domain.Principal, id uuid.UUID, opts ReadOptions) (*domain.ActivityEvent, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && e.TenantID != p.TenantID {
		return nil, domain.ErrNotFound
	}
	if !rbac.Visible(rbac.ScopeFor(p), e) {
		return nil, domain.ErrNotFound
	}
	return present(e, canSeePII(p, opts)), nil
}

func (s *EventService) Stats(ctx context.Context, p domain.Principal) (*domain.EventStats, error) {
	var tenant *string
	if !p.IsAdmin() {
		tenant = &p.TenantID
	}
	return s.repo.Stats(ctx, tenant, s.now().Add(-24*time.Hour))
}

func (s *EventService) restrict(p domain.Principal, f *domain.EventFilter) {
	scope := rbac.ScopeFor(p)
	f.Scope = &scope
	if !p.IsAdmin() {
		tenant := p.TenantID
		f.TenantID = &tenant
	}
}

func canSeePII(p domain.Principal, opts ReadOptions) bool {
	return p.IsAdmin() && opts.Secure && opts.IncludePII
}

// present returns a copy of e safe for the caller. Stored events are never mutated.
func present(e *domain.ActivityEvent, revealPII bool) *domain.ActivityEvent {
	out := *e
	out.Context = e.Context.Clone()
	if !revealPII {
		for _, key := range domain.PIIContextKeys {
			out.Context.Mask(key, domain.RedactedMarker)
		}
	}
	return &out
}

// Vocabulary lists the enumerations accepted by ingestion.
type Vocabulary struct {
	Verbs       []domain.Verb   `json:"verbs"`
	Sources     []domain.Source `json:"sources"`
	TargetTypes []string        `json:"target_types"`
}

func (s *EventService) Vocabulary() Vocabulary {
	return Vocabulary{Verbs: domain.Verbs, Sources: domain.Sources, TargetTypes: domain.TargetTypes}
}
