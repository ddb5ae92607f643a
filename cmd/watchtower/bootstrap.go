package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/config"
	"github.com/CaioWing/Watchtower/internal/domain"
)

// bootstrapAdmin creates the configured administrator once. Existing accounts are left alone.
func bootstrapAdmin(ctx context.Context, users domain.UserRepository, cfg config.BootstrapConfig, log *slog.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}

	_, err := users.GetByEmail(ctx, cfg.AdminEmail)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("lookup admin: %w", err)
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}

	admin := &domain.User{
		TenantID:     cfg.AdminTenant,
		Name:         "Administrator",
		Email:        cfg.AdminEmail,
		Role:         domain.RoleAdmin,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := users.Create(ctx, admin); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("create admin: %w", err)
	}
	log.Info("bootstrap administrator created", "email", admin.Email, "tenant", admin.TenantID)
	return nil
}
