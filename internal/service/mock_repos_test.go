package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/rbac"
	"github.com/CaioWing/Watchtower/internal/storage"
)

// --- Mock Event Repository ---

type mockEventRepo struct {
	mu     sync.RWMutex
	events []*domain.ActivityEvent
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{}
}

func (m *mockEventRepo) Append(_ context.Context, e *domain.ActivityEvent) (*domain.ActivityEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RequestID != "" {
		for _, existing := range m.events {
			if existing.TenantID == e.TenantID && existing.RequestID == e.RequestID {
				return existing, false, nil
			}
		}
	}
	var head *domain.ActivityEvent
	for _, existing := range m.events {
		if existing.TenantID != e.TenantID {
			continue
		}
		if head == nil || !existing.Timestamp.Before(head.Timestamp) {
			head = existing
		}
	}
	stored := *e
	stored.ID = uuid.New()
	stored.CreatedAt = time.Now()
	stored.PrevHash = nil
	if head != nil {
		prev := head.Hash
		stored.PrevHash = &prev
	}
	m.events = append(m.events, &stored)
	return &stored, true, nil
}

func (m *mockEventRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.ActivityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockEventRepo) matching(f domain.EventFilter) []*domain.ActivityEvent {
	var out []*domain.ActivityEvent
	for _, e := range m.events {
		if matchEvent(f, e) {
			out = append(out, e)
		}
	}
	return out
}

func matchEvent(f domain.EventFilter, e *domain.ActivityEvent) bool {
	switch {
	case f.TenantID != nil && e.TenantID != *f.TenantID:
		return false
	case f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID):
		return false
	case f.ActorRole != nil && e.ActorRole != *f.ActorRole:
		return false
	case f.Verb != nil && e.Verb != *f.Verb:
		return false
	case f.TargetType != nil && e.TargetType != *f.TargetType:
		return false
	case f.TargetID != nil && e.TargetID != *f.TargetID:
		return false
	case f.Source != nil && e.Source != *f.Source:
		return false
	case f.Since != nil && e.Timestamp.Before(*f.Since):
		return false
	case f.Until != nil && e.Timestamp.After(*f.Until):
		return false
	case f.Severity != nil && e.Context.Severity != *f.Severity:
		return false
	case len(f.Tags) > 0 && !e.Context.HasAllTags(f.Tags):
		return false
	case f.Scope != nil && !rbac.Visible(*f.Scope, e):
		return false
	}
	return true
}

func (m *mockEventRepo) List(_ context.Context, f domain.EventFilter, cursor *domain.EventCursor, limit int) (*domain.EventPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.matching(f)
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].ID.String() > all[j].ID.String()
	})
	start := 0
	if cursor != nil {
		for i, e := range all {
			if e.ID == cursor.ID {
				start = i + 1
				break
			}
		}
	}
	page := &domain.EventPage{}
	for i := start; i < len(all) && len(page.Events) < limit; i++ {
		page.Events = append(page.Events, all[i])
	}
	if start+limit < len(all) {
		last := page.Events[len(page.Events)-1]
		page.NextCursor = &domain.EventCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	page.Count = len(page.Events)
	return page, nil
}

func (m *mockEventRepo) Iterate(_ context.Context, f domain.EventFilter, chunkSize int, fn func([]*domain.ActivityEvent) error) error {
	m.mu.RLock()
	all := m.matching(f)
	m.mu.RUnlock()
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	for i := 0; i < len(all); i += chunkSize {
		end := min(i+chunkSize, len(all))
		if err := fn(all[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockEventRepo) Count(_ context.Context, f domain.EventFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matching(f)), nil
}

func (m *mockEventRepo) Stats(_ context.Context, tenantID *string, since time.Time) (*domain.EventStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &domain.EventStats{ByVerb: map[string]int{}, BySource: map[string]int{}, ByTarget: map[string]int{}}
	for _, e := range m.matching(domain.EventFilter{TenantID: tenantID}) {
		st.Total++
		if !e.Timestamp.Before(since) {
			st.Last24h++
		}
		st.ByVerb[string(e.Verb)]++
		st.BySource[string(e.Source)]++
		st.ByTarget[e.TargetType]++
	}
	return st, nil
}

func (m *mockEventRepo) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// --- Mock Ingestion Key Repository ---

type mockKeyRepo struct {
	mu      sync.RWMutex
	keys    map[string]*domain.LogIngestionKey
	touched map[string]int
}

func newMockKeyRepo() *mockKeyRepo {
	return &mockKeyRepo{keys: make(map[string]*domain.LogIngestionKey), touched: make(map[string]int)}
}

func (m *mockKeyRepo) Create(_ context.Context, k *domain.LogIngestionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[k.KeyID]; exists {
		return domain.ErrConflict
	}
	k.ID = uuid.New()
	k.CreatedAt = time.Now()
	m.keys[k.KeyID] = k
	return nil
}

func (m *mockKeyRepo) GetActive(_ context.Context, keyID string) (*domain.LogIngestionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k, ok := m.keys[keyID]; ok && k.IsActive {
		return k, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockKeyRepo) Touch(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[keyID]++
	return nil
}

func (m *mockKeyRepo) Deactivate(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return domain.ErrNotFound
	}
	k.IsActive = false
	return nil
}

// --- Mock Retention Repository ---

type mockRetentionRepo struct {
	mu       sync.RWMutex
	events   *mockEventRepo
	policies map[uuid.UUID]*domain.RetentionPolicy
	jobs     map[uuid.UUID]*domain.AnonymizationJob
	failOn   string
}

func newMockRetentionRepo(events *mockEventRepo) *mockRetentionRepo {
	return &mockRetentionRepo{
		events:   events,
		policies: make(map[uuid.UUID]*domain.RetentionPolicy),
		jobs:     make(map[uuid.UUID]*domain.AnonymizationJob),
	}
}

func (m *mockRetentionRepo) CreatePolicy(_ context.Context, p *domain.RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	m.policies[p.ID] = p
	return nil
}

func (m *mockRetentionRepo) GetPolicy(_ context.Context, id uuid.UUID) (*domain.RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.policies[id]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockRetentionRepo) ListPolicies(_ context.Context, enabledOnly bool) ([]*domain.RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.RetentionPolicy
	for _, p := range m.policies {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *mockRetentionRepo) CreateJob(_ context.Context, j *domain.AnonymizationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.ID = uuid.New()
	j.CreatedAt = time.Now()
	m.jobs[j.ID] = j
	return nil
}

func (m *mockRetentionRepo) GetJob(_ context.Context, id uuid.UUID) (*domain.AnonymizationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[id]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockRetentionRepo) MarkJobRunning(_ context.Context, id uuid.UUID, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobPending {
		return domain.ErrTerminalJob
	}
	now := time.Now()
	j.Status, j.TotalEvents, j.StartedAt = domain.JobRunning, total, &now
	return nil
}

func (m *mockRetentionRepo) UpdateJobProgress(_ context.Context, id uuid.UUID, affected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].AffectedEvents = affected
	return nil
}

func (m *mockRetentionRepo) FinishJob(_ context.Context, id uuid.UUID, status domain.JobStatus, affected int, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	j.Status, j.AffectedEvents, j.Error, j.FinishedAt = status, affected, errText, &now
	return nil
}

func criteriaMatch(c domain.RetentionCriteria, e *domain.ActivityEvent) bool {
	if c.Role != "" && e.ActorRole != c.Role {
		return false
	}
	if c.TargetType != "" && e.TargetType != c.TargetType {
		return false
	}
	return !e.Timestamp.After(c.Before)
}

func (m *mockRetentionRepo) CountMatching(_ context.Context, c domain.RetentionCriteria) (int, error) {
	m.events.mu.RLock()
	defer m.events.mu.RUnlock()
	n := 0
	for _, e := range m.events.events {
		if criteriaMatch(c, e) {
			n++
		}
	}
	return n, nil
}

func (m *mockRetentionRepo) PurgeMatching(_ context.Context, c domain.RetentionCriteria) (int, error) {
	if m.failOn == "purge" {
		return 0, errors.New("disk on fire")
	}
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	kept := m.events.events[:0]
	n := 0
	for _, e := range m.events.events {
		if criteriaMatch(c, e) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events.events = kept
	return n, nil
}

func (m *mockRetentionRepo) AnonymizeBatch(_ context.Context, c domain.RetentionCriteria, after uuid.UUID, limit int, rewrite func(*domain.EventContext)) (int, uuid.UUID, error) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	var matched []*domain.ActivityEvent
	for _, e := range m.events.events {
		if criteriaMatch(c, e) && (after == uuid.Nil || e.ID.String() > after.String()) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID.String() < matched[j].ID.String() })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	last := uuid.Nil
	for _, e := range matched {
		rewrite(&e.Context)
		last = e.ID
	}
	return len(matched), last, nil
}

// --- Mock Export Repository ---

type mockExportRepo struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.ExportJob
}

func newMockExportRepo() *mockExportRepo {
	return &mockExportRepo{jobs: make(map[uuid.UUID]*domain.ExportJob)}
}

func (m *mockExportRepo) Create(_ context.Context, j *domain.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.ID = uuid.New()
	j.CreatedAt = time.Now()
	m.jobs[j.ID] = j
	return nil
}

func (m *mockExportRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.ExportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[id]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockExportRepo) MarkRunning(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobPending {
		return domain.ErrTerminalJob
	}
	j.Status = domain.JobRunning
	return nil
}

func (m *mockExportRepo) Complete(_ context.Context, id uuid.UUID, filePath string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status, j.FilePath, j.TotalEvents = domain.JobCompleted, filePath, total
	return nil
}

func (m *mockExportRepo) Fail(_ context.Context, id uuid.UUID, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status, j.Error = domain.JobFailed, errText
	return nil
}

// --- Mock User Repository ---

type mockUserRepo struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*domain.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[uuid.UUID]*domain.User)}
}

func (m *mockUserRepo) Create(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return domain.ErrConflict
		}
	}
	u.ID = uuid.New()
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, domain.ErrNotFound
}

// --- Mock Device Repository ---

type mockDeviceRepo struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*domain.Device
	tokens  map[string]*domain.DeviceToken
	binds   []*domain.DeviceUserBind
}

func newMockDeviceRepo() *mockDeviceRepo {
	return &mockDeviceRepo{
		devices: make(map[uuid.UUID]*domain.Device),
		tokens:  make(map[string]*domain.DeviceToken),
	}
}

func (m *mockDeviceRepo) Enroll(_ context.Context, d *domain.Device, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *domain.Device
	for _, candidate := range m.devices {
		if candidate.Hostname == d.Hostname && sameUser(candidate.CurrentUserID, d.CurrentUserID) {
			existing = candidate
			break
		}
	}
	if existing != nil {
		existing.OS, existing.AgentVersion, existing.IP = d.OS, d.AgentVersion, d.IP
		existing.ReverseDNS, existing.OrgID, existing.IsActive = d.ReverseDNS, d.OrgID, true
		*d = *existing
	} else {
		d.ID = uuid.New()
		d.Status = domain.DeviceOffline
		d.IsActive = true
		d.CreatedAt = time.Now()
		stored := *d
		m.devices[d.ID] = &stored
	}
	for hash, t := range m.tokens {
		if t.DeviceID == d.ID {
			delete(m.tokens, hash)
		}
	}
	m.tokens[tokenHash] = &domain.DeviceToken{DeviceID: d.ID, TokenHash: tokenHash, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	if d.CurrentUserID != nil {
		m.binds = append(m.binds, &domain.DeviceUserBind{ID: uuid.New(), DeviceID: d.ID, UserID: *d.CurrentUserID, BoundAt: time.Now()})
	}
	return nil
}

func sameUser(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (m *mockDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devices[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockDeviceRepo) GetByTokenHash(_ context.Context, tokenHash string) (*domain.Device, *domain.DeviceToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[tokenHash]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	cp := *m.devices[t.DeviceID]
	tok := *t
	return &cp, &tok, nil
}

func (m *mockDeviceRepo) DeleteToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenHash)
	return nil
}

func (m *mockDeviceRepo) List(_ context.Context, f domain.DeviceFilter) ([]*domain.Device, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Device
	for _, d := range m.devices {
		if f.OrgID != nil && d.OrgID != *f.OrgID {
			continue
		}
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		if !f.IncludeInactive && !d.IsActive {
			continue
		}
		result = append(result, d)
	}
	return result, len(result), nil
}

func (m *mockDeviceRepo) UpdateConfig(_ context.Context, id uuid.UUID, upd domain.DeviceConfigUpdate) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if upd.ScreenshotIntervalSec != nil {
		d.ScreenshotIntervalSec = *upd.ScreenshotIntervalSec
	}
	if upd.HeartbeatIntervalSec != nil {
		d.HeartbeatIntervalSec = *upd.HeartbeatIntervalSec
	}
	if upd.ScreenshotsEnabled != nil {
		d.ScreenshotsEnabled = *upd.ScreenshotsEnabled
	}
	if upd.ActivityTrackingEnabled != nil {
		d.ActivityTrackingEnabled = *upd.ActivityTrackingEnabled
	}
	if upd.IdleThresholdSec != nil {
		d.IdleThresholdSec = *upd.IdleThresholdSec
	}
	if upd.Paused != nil {
		switch {
		case *upd.Paused:
			d.Status = domain.DevicePaused
		case d.Status == domain.DevicePaused:
			d.Status = domain.DeviceOffline
		}
	}
	cp := *d
	return &cp, nil
}

func (m *mockDeviceRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.IsActive = false
	for hash, t := range m.tokens {
		if t.DeviceID == id {
			delete(m.tokens, hash)
		}
	}
	return nil
}

func (m *mockDeviceRepo) TouchHeartbeat(_ context.Context, id uuid.UUID, status domain.DeviceStatus, ip string, at time.Time) (domain.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if d.Status != domain.DevicePaused {
		d.Status = status
	}
	d.IP = ip
	d.LastHeartbeat = &at
	return d.Status, nil
}

func (m *mockDeviceRepo) MarkStale(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, d := range m.devices {
		if d.Status != domain.DeviceOnline && d.Status != domain.DeviceIdle {
			continue
		}
		if d.LastHeartbeat == nil || d.LastHeartbeat.Before(cutoff) {
			d.Status = domain.DeviceOffline
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func (m *mockDeviceRepo) CountByStatus(_ context.Context) (map[domain.DeviceStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.DeviceStatus]int)
	for _, d := range m.devices {
		counts[d.Status]++
	}
	return counts, nil
}

func (m *mockDeviceRepo) ListBindings(_ context.Context, deviceID uuid.UUID) ([]*domain.DeviceUserBind, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.DeviceUserBind
	for _, b := range m.binds {
		if b.DeviceID == deviceID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockDeviceRepo) tokenCount(deviceID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tokens {
		if t.DeviceID == deviceID {
			n++
		}
	}
	return n
}

// --- Mock Heartbeat Repository ---

type mockHeartbeatRepo struct {
	mu         sync.RWMutex
	heartbeats []*domain.Heartbeat
	alerts     []*domain.IdleAlert
}

func newMockHeartbeatRepo() *mockHeartbeatRepo {
	return &mockHeartbeatRepo{}
}

func (m *mockHeartbeatRepo) Create(_ context.Context, hb *domain.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb.ID = uuid.New()
	if hb.CreatedAt.IsZero() {
		hb.CreatedAt = time.Now()
	}
	m.heartbeats = append(m.heartbeats, hb)
	return nil
}

func (m *mockHeartbeatRepo) ListByDevice(_ context.Context, deviceID uuid.UUID, limit int) ([]*domain.Heartbeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Heartbeat
	for i := len(m.heartbeats) - 1; i >= 0 && len(out) < limit; i-- {
		if m.heartbeats[i].DeviceID == deviceID {
			out = append(out, m.heartbeats[i])
		}
	}
	return out, nil
}

func (m *mockHeartbeatRepo) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.heartbeats[:0]
	n := 0
	for _, hb := range m.heartbeats {
		if hb.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, hb)
	}
	m.heartbeats = kept
	return n, nil
}

func (m *mockHeartbeatRepo) CreateIdleAlert(_ context.Context, a *domain.IdleAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *mockHeartbeatRepo) ResolveIdleAlerts(_ context.Context, deviceID uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.ResolvedAt == nil {
			resolved := at
			a.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

func (m *mockHeartbeatRepo) ListIdleAlerts(_ context.Context, deviceID uuid.UUID, openOnly bool, limit int) ([]*domain.IdleAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.IdleAlert
	for _, a := range m.alerts {
		if a.DeviceID != deviceID || (openOnly && a.ResolvedAt != nil) {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Mock Screenshot Repository ---

type mockScreenshotRepo struct {
	mu    sync.RWMutex
	shots map[uuid.UUID]*domain.Screenshot
}

func newMockScreenshotRepo() *mockScreenshotRepo {
	return &mockScreenshotRepo{shots: make(map[uuid.UUID]*domain.Screenshot)}
}

func (m *mockScreenshotRepo) Create(_ context.Context, s *domain.Screenshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.shots {
		if existing.SHA256 == s.SHA256 {
			return domain.ErrConflict
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	m.shots[s.ID] = s
	return nil
}

func (m *mockScreenshotRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Screenshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.shots[id]; ok {
		return s, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockScreenshotRepo) GetBySHA256(_ context.Context, sum string) (*domain.Screenshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.shots {
		if s.SHA256 == sum {
			return s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockScreenshotRepo) ListByDevice(_ context.Context, deviceID uuid.UUID, limit int) ([]*domain.Screenshot, error) {
	return m.filter(limit, func(s *domain.Screenshot) bool { return s.DeviceID == deviceID }), nil
}

func (m *mockScreenshotRepo) ListOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*domain.Screenshot, error) {
	return m.filter(limit, func(s *domain.Screenshot) bool { return s.TakenAt.Before(cutoff) }), nil
}

func (m *mockScreenshotRepo) ListMissingThumbnails(_ context.Context, limit int) ([]*domain.Screenshot, error) {
	return m.filter(limit, func(s *domain.Screenshot) bool { return s.ThumbKey == "" }), nil
}

func (m *mockScreenshotRepo) filter(limit int, keep func(*domain.Screenshot) bool) []*domain.Screenshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Screenshot
	for _, s := range m.shots {
		if keep(s) && len(out) < limit {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockScreenshotRepo) SetThumbKey(_ context.Context, id uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shots[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.ThumbKey = key
	return nil
}

func (m *mockScreenshotRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shots, id)
	return nil
}

// --- In-memory blob store ---

type memStore struct {
	mu         sync.RWMutex
	blobs      map[string][]byte
	failPut    func(key string) bool
	failDelete bool
	deleted    []string
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (int64, error) {
	if m.failPut != nil && m.failPut(key) {
		io.Copy(io.Discard, r)
		return 0, errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return int64(len(data)), nil
}

func (m *memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	if m.failDelete {
		return errors.New("delete refused")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *memStore) has(key string) bool {
	ok, _ := m.Exists(context.Background(), key)
	return ok
}

// --- Queue, notifier and resolver fakes ---

type fakeQueue struct {
	mu        sync.Mutex
	exports   []uuid.UUID
	retention []uuid.UUID
	err       error
}

func (q *fakeQueue) EnqueueExport(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.exports = append(q.exports, id)
	return nil
}

func (q *fakeQueue) EnqueueRetention(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.retention = append(q.retention, id)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string]int
	err  error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[string]int)}
}

func (n *fakeNotifier) Publish(_ context.Context, channel string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[channel]++
	return n.err
}

type fakeResolver struct {
	names []string
	err   error
	delay time.Duration
}

func (r fakeResolver) LookupAddr(ctx context.Context, _ string) ([]string, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.names, r.err
}

type recordingActivity struct {
	mu     sync.Mutex
	events []EventInput
}

func (r *recordingActivity) EmitAsync(in EventInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, in)
}
