package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/domain"
)

const (
	DefaultDeviceTokenTTL = 14 * 24 * time.Hour
	reverseDNSTimeout     = 2 * time.Second
)

// HostResolver is satisfied by *net.Resolver.
type HostResolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// ActivityRecorder receives best-effort activity events from other services.
type ActivityRecorder interface {
	EmitAsync(in EventInput)
}

type DeviceService struct {
	repo     domain.DeviceRepository
	users    domain.UserRepository
	signer   *auth.EnrollmentSigner
	resolver HostResolver
	activity ActivityRecorder
	notifier Notifier
	tokenTTL time.Duration
	log      *slog.Logger
	now      func() time.Time
}

type DeviceServiceConfig struct {
	Signer   *auth.EnrollmentSigner
	Resolver HostResolver
	Activity ActivityRecorder
	Notifier Notifier
	TokenTTL time.Duration
}

func NewDeviceService(repo domain.DeviceRepository, users domain.UserRepository, cfg DeviceServiceConfig, log *slog.Logger) *DeviceService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultDeviceTokenTTL
	}
	return &DeviceService{
		repo:     repo,
		users:    users,
		signer:   cfg.Signer,
		resolver: cfg.Resolver,
		activity: cfg.Activity,
		notifier: cfg.Notifier,
		tokenTTL: cfg.TokenTTL,
		log:      log,
		now:      time.Now,
	}
}

// EnrollmentTicket is handed to a user to paste into the agent installer.
type EnrollmentTicket struct {
	Token     string    `json:"enrollment_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *DeviceService) RequestEnrollment(ctx context.Context, p domain.Principal) (*EnrollmentTicket, error) {
	if p.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	token, exp, err := s.signer.Issue(p.UserID, p.TenantID)
	if err != nil {
		return nil, err
	}
	s.log.Info("enrollment token issued", "user_id", p.UserID, "expires_at", exp)
	return &EnrollmentTicket{Token: token, ExpiresAt: exp}, nil
}

type EnrollInput struct {
	EnrollmentToken string `json:"enrollment_token"`
	OS              string `json:"os"`
	Hostname        string `json:"hostname"`
	AgentVersion    string `json:"agent_version"`
	IP              string `json:"ip"`
}

// Enrollment is returned to the agent exactly once. DeviceToken is not recoverable later.
type Enrollment struct {
	DeviceID    uuid.UUID `json:"device_id"`
	DeviceToken string    `json:"device_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CompleteEnrollment trades an enrollment token for a device token. Enrolling the same host
// again for the same user updates the device and revokes its previous token.
func (s *DeviceService) CompleteEnrollment(ctx context.Context, in EnrollInput) (*Enrollment, error) {
	claims, err := s.signer.Verify(in.EnrollmentToken)
	if err != nil {
		return nil, err
	}
	hostname := strings.TrimSpace(in.Hostname)
	if hostname == "" {
		return nil, domain.Invalid("hostname", "required")
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed enrollment subject", domain.ErrUnauthorized)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: enrollment user no longer exists", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("resolve enrollment user: %w", err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: enrollment user is inactive", domain.ErrUnauthorized)
	}

	orgID := claims.OrgID
	if orgID == "" {
		orgID = user.TenantID
	}
	d := &domain.Device{
		OrgID:         orgID,
		Hostname:      hostname,
		OS:            strings.TrimSpace(in.OS),
		AgentVersion:  strings.TrimSpace(in.AgentVersion),
		IP:            strings.TrimSpace(in.IP),
		CurrentUserID: &user.ID,
	}
	domain.DefaultDeviceConfig(d)
	d.ReverseDNS = s.reverseDNS(ctx, d.IP)

	token, hash, err := auth.NewDeviceToken()
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().Add(s.tokenTTL)
	if err := s.repo.Enroll(ctx, d, hash, expiresAt); err != nil {
		return nil, fmt.Errorf("enroll device: %w", err)
	}

	s.log.Info("device enrolled", "device_id", d.ID, "hostname", d.Hostname, "user_id", user.ID)
	s.record(user, d, domain.VerbCreate, "device enrolled")
	notify(s.notifier, s.log, ChannelDevices, d)

	return &Enrollment{DeviceID: d.ID, DeviceToken: token, ExpiresAt: expiresAt}, nil
}

// reverseDNS degrades to "" on any failure or after reverseDNSTimeout.
func (s *DeviceService) reverseDNS(ctx context.Context, ip string) string {
	if s.resolver == nil || ip == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, reverseDNSTimeout)
	defer cancel()
	names, err := s.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		if err != nil {
			s.log.Debug("reverse dns lookup failed", "ip", ip, "err", err)
		}
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// Authenticate resolves a bearer device token. Expired tokens are deleted on sight.
func (s *DeviceService) Authenticate(ctx context.Context, token string) (*domain.Device, error) {
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	hash := auth.HashToken(token)
	d, t, err := s.repo.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, fmt.Errorf("lookup device token: %w", err)
	}
	if t.Expired(s.now()) {
		if err := s.repo.DeleteToken(ctx, hash); err != nil {
			s.log.Warn("delete expired device token", "device_id", d.ID, "err", err)
		}
		return nil, fmt.Errorf("%w: device token expired", domain.ErrUnauthorized)
	}
	if !d.IsActive {
		return nil, fmt.Errorf("%w: device deactivated", domain.ErrUnauthorized)
	}
	return d, nil
}

// AgentContext is the configuration and identity an agent pulls after authenticating.
type AgentContext struct {
	Device *domain.Device `json:"device"`
	User   *AgentUser     `json:"user"`
	Paused bool           `json:"paused"`
}

type AgentUser struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}

func (s *DeviceService) AgentContext(ctx context.Context, d *domain.Device) (*AgentContext, error) {
	out := &AgentContext{Device: d, Paused: d.Status == domain.DevicePaused}
	if d.CurrentUserID == nil {
		return out, nil
	}
	u, err := s.users.GetByID(ctx, *d.CurrentUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return out, nil
		}
		return nil, fmt.Errorf("load device user: %w", err)
	}
	out.User = &AgentUser{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
	return out, nil
}

// List scopes non-admin callers to their own organization.
func (s *DeviceService) List(ctx context.Context, p domain.Principal, filter domain.DeviceFilter) ([]*domain.Device, int, error) {
	if !p.IsAdmin() {
		org := p.TenantID
		filter.OrgID = &org
	}
	return s.repo.List(ctx, filter)
}

func (s *DeviceService) GetByID(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Device, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && d.OrgID != p.TenantID {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (s *DeviceService) UpdateConfig(ctx context.Context, p domain.Principal, id uuid.UUID, upd domain.DeviceConfigUpdate) (*domain.Device, error) {
	if _, err := s.GetByID(ctx, p, id); err != nil {
		return nil, err
	}
	if err := validateConfig(upd); err != nil {
		return nil, err
	}
	d, err := s.repo.UpdateConfig(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	notify(s.notifier, s.log, ChannelDevices, d)
	return d, nil
}

func validateConfig(upd domain.DeviceConfigUpdate) error {
	positive := []struct {
		field string
		v     *int
	}{
		{"screenshot_interval_sec", upd.ScreenshotIntervalSec},
		{"heartbeat_interval_sec", upd.HeartbeatIntervalSec},
		{"idle_threshold_sec", upd.IdleThresholdSec},
	}
	for _, f := range positive {
		if f.v != nil && *f.v <= 0 {
			return domain.Invalid(f.field, "must be positive")
		}
	}
	return nil
}

// Deactivate soft-deletes the device and revokes its token.
func (s *DeviceService) Deactivate(ctx context.Context, p domain.Principal, id uuid.UUID) error {
	if _, err := s.GetByID(ctx, p, id); err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.log.Info("device deactivated", "device_id", id, "by", p.UserID)
	return nil
}

func (s *DeviceService) CountByStatus(ctx context.Context) (map[domain.DeviceStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *DeviceService) Bindings(ctx context.Context, p domain.Principal, id uuid.UUID) ([]*domain.DeviceUserBind, error) {
	if _, err := s.GetByID(ctx, p, id); err != nil {
		return nil, err
	}
	return s.repo.ListBindings(ctx, id)
}

func (s *DeviceService) record(u *domain.User, d *domain.Device, verb domain.Verb, comment string) {
	if s.activity == nil {
		return
	}
	actor := u.ID.String()
	s.activity.EmitAsync(EventInput{
		TenantID: d.OrgID,
		Actor:    &ActorInput{ID: &actor, Role: u.Role},
		Verb:     string(verb),
		Target:   TargetInput{Type: "Device", ID: d.ID.String()},
		Source:   string(domain.SourceAPI),
		Context: domain.EventContext{
			IP:         d.IP,
			Comment:    comment,
			DeviceID:   d.ID.String(),
			DeviceName: d.Hostname,
		},
	})
}
