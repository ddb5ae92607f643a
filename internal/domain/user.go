package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	RoleAdmin      = "ADMIN"
	RoleManager    = "MANAGER"
	RoleSales      = "SALES"
	RoleProduction = "PRODUCTION"
	RoleAccountant = "ACCOUNTANT"
	RoleHR         = "HR"
	RoleEmployee   = "EMPLOYEE"
)

var Roles = []string{RoleAdmin, RoleManager, RoleSales, RoleProduction, RoleAccountant, RoleHR, RoleEmployee}

type User struct {
	ID           uuid.UUID `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u *User) Snapshot() UserSnapshot {
	id := u.ID
	return UserSnapshot{UserID: &id, UserName: u.Name, UserRole: u.Role}
}

// Principal is an authenticated human caller.
type Principal struct {
	UserID   string
	Role     string
	TenantID string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}
