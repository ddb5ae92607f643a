package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaioWing/Watchtower/internal/domain"
)

const eventColumns = `id, timestamp, actor_id, actor_role, verb, target_type, target_id,
	context, source, request_id, tenant_id, hash, prev_hash, created_at`

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func scanEvent(row pgx.Row) (*domain.ActivityEvent, error) {
	e := &domain.ActivityEvent{}
	var contextJSON []byte
	if err := row.Scan(
		&e.ID, &e.Timestamp, &e.ActorID, &e.ActorRole, &e.Verb, &e.TargetType, &e.TargetID,
		&contextJSON, &e.Source, &e.RequestID, &e.TenantID, &e.Hash, &e.PrevHash, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return e, nil
}

func collectEvents(rows pgx.Rows) ([]*domain.ActivityEvent, error) {
	defer rows.Close()
	events := []*domain.ActivityEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Append serializes writers per tenant with a transaction-scoped advisory lock, so the
// latest-event lookup and the insert cannot interleave with another ingest for that tenant.
func (r *EventRepo) Append(ctx context.Context, e *domain.ActivityEvent) (*domain.ActivityEvent, bool, error) {
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return nil, false, fmt.Errorf("marshal context: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.TenantID); err != nil {
		return nil, false, fmt.Errorf("lock tenant chain: %w", err)
	}

	if e.RequestID != "" {
		existing, err := scanEvent(tx.QueryRow(ctx,
			`SELECT `+eventColumns+` FROM activity_events WHERE tenant_id = $1 AND request_id = $2`,
			e.TenantID, e.RequestID))
		if err == nil {
			return existing, false, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	var prev string
	err = tx.QueryRow(ctx, `
		SELECT hash FROM activity_events
		WHERE tenant_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1
	`, e.TenantID).Scan(&prev)
	switch {
	case err == nil:
		e.PrevHash = &prev
	case errors.Is(err, pgx.ErrNoRows):
		e.PrevHash = nil
	default:
		return nil, false, fmt.Errorf("read chain head: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO activity_events (timestamp, actor_id, actor_role, verb, target_type, target_id,
		                             context, source, request_id, tenant_id, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`, e.Timestamp, e.ActorID, e.ActorRole, e.Verb, e.TargetType, e.TargetID,
		contextJSON, e.Source, e.RequestID, e.TenantID, e.Hash, e.PrevHash).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback(ctx)
			existing, lerr := r.getByRequestID(ctx, e.TenantID, e.RequestID)
			if lerr != nil {
				return nil, false, fmt.Errorf("load existing event: %w", lerr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return e, true, nil
}

func (r *EventRepo) getByRequestID(ctx context.Context, tenantID, requestID string) (*domain.ActivityEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM activity_events WHERE tenant_id = $1 AND request_id = $2`,
		tenantID, requestID))
	if err != nil {
		return nil, notFound(err, "get event by request id")
	}
	return e, nil
}

func (r *EventRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ActivityEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM activity_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get event")
	}
	return e, nil
}

func buildEventWhere(f domain.EventFilter) (*whereBuilder, error) {
	w := &whereBuilder{}

	if f.TenantID != nil {
		w.and("tenant_id = " + w.arg(*f.TenantID))
	}
	if f.ActorID != nil {
		w.and("actor_id = " + w.arg(*f.ActorID))
	}
	if f.ActorRole != nil {
		w.and("actor_role = " + w.arg(*f.ActorRole))
	}
	if f.Verb != nil {
		w.and("verb = " + w.arg(string(*f.Verb)))
	}
	if f.TargetType != nil {
		w.and("target_type = " + w.arg(*f.TargetType))
	}
	if f.TargetID != nil {
		w.and("target_id = " + w.arg(*f.TargetID))
	}
	if f.Source != nil {
		w.and("source = " + w.arg(string(*f.Source)))
	}
	if f.Since != nil {
		w.and("timestamp >= " + w.arg(*f.Since))
	}
	if f.Until != nil {
		w.and("timestamp <= " + w.arg(*f.Until))
	}
	if f.Query != "" {
		p := w.arg(likePattern(f.Query))
		w.and(fmt.Sprintf(
			"(target_id ILIKE %[1]s OR context->>'comment' ILIKE %[1]s OR context->>'filename' ILIKE %[1]s OR context->>'device_name' ILIKE %[1]s)",
			p))
	}
	if len(f.Tags) > 0 {
		tagsJSON, err := json.Marshal(f.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		w.and("context->'tags' @> " + w.arg(string(tagsJSON)) + "::jsonb")
	}
	if f.Severity != nil {
		w.and("context->>'severity' = " + w.arg(*f.Severity))
	}
	if s := f.Scope; s != nil && !s.All {
		var parts []string
		if s.ActorID != "" {
			parts = append(parts, "actor_id = "+w.arg(s.ActorID))
		}
		if len(s.TargetTypes) > 0 {
			parts = append(parts, "target_type = ANY("+w.arg(s.TargetTypes)+")")
		}
		switch len(parts) {
		case 0:
			w.and("FALSE")
		case 1:
			w.and(parts[0])
		default:
			w.and("(" + parts[0] + " OR " + parts[1] + ")")
		}
	}
	return w, nil
}

// List pages through events in (timestamp DESC, id DESC) order. A backward cursor
// returns the page of newer events immediately before it.
func (r *EventRepo) List(ctx context.Context, f domain.EventFilter, cursor *domain.EventCursor, limit int) (*domain.EventPage, error) {
	w, err := buildEventWhere(f)
	if err != nil {
		return nil, err
	}

	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM activity_events "+w.String(), w.args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	order := "timestamp DESC, id DESC"
	backward := cursor != nil && cursor.Backward
	if cursor != nil {
		ts, id := w.arg(cursor.Timestamp), w.arg(cursor.ID)
		if backward {
			w.and(fmt.Sprintf("(timestamp, id) > (%s, %s)", ts, id))
			order = "timestamp ASC, id ASC"
		} else {
			w.and(fmt.Sprintf("(timestamp, id) < (%s, %s)", ts, id))
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM activity_events %s ORDER BY %s LIMIT %s`,
		eventColumns, w.String(), order, w.arg(limit+1))
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}

	more := len(events) > limit
	if more {
		events = events[:limit]
	}
	if backward {
		slices.Reverse(events)
	}

	page := &domain.EventPage{Events: events, Count: count}
	if len(events) == 0 {
		return page, nil
	}
	first, last := events[0], events[len(events)-1]
	if backward {
		page.NextCursor = &domain.EventCursor{Timestamp: last.Timestamp, ID: last.ID}
		if more {
			page.PrevCursor = &domain.EventCursor{Timestamp: first.Timestamp, ID: first.ID, Backward: true}
		}
		return page, nil
	}
	if more {
		page.NextCursor = &domain.EventCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	if cursor != nil {
		page.PrevCursor = &domain.EventCursor{Timestamp: first.Timestamp, ID: first.ID, Backward: true}
	}
	return page, nil
}

// Iterate walks matching events oldest-first using keyset pagination, so memory stays
// bounded by chunkSize regardless of result size.
func (r *EventRepo) Iterate(ctx context.Context, f domain.EventFilter, chunkSize int, fn func([]*domain.ActivityEvent) error) error {
	var after *domain.ActivityEvent
	for {
		w, err := buildEventWhere(f)
		if err != nil {
			return err
		}
		if after != nil {
			w.and(fmt.Sprintf("(timestamp, id) > (%s, %s)", w.arg(after.Timestamp), w.arg(after.ID)))
		}
		query := fmt.Sprintf(`SELECT %s FROM activity_events %s ORDER BY timestamp ASC, id ASC LIMIT %s`,
			eventColumns, w.String(), w.arg(chunkSize))

		rows, err := r.pool.Query(ctx, query, w.args...)
		if err != nil {
			return fmt.Errorf("iterate events: %w", err)
		}
		chunk, err := collectEvents(rows)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if len(chunk) < chunkSize {
			return nil
		}
		after = chunk[len(chunk)-1]
	}
}

func (r *EventRepo) Count(ctx context.Context, f domain.EventFilter) (int, error) {
	w, err := buildEventWhere(f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM activity_events "+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (r *EventRepo) Stats(ctx context.Context, tenantID *string, since time.Time) (*domain.EventStats, error) {
	w := &whereBuilder{}
	if tenantID != nil {
		w.and("tenant_id = " + w.arg(*tenantID))
	}
	where := w.String()

	stats := &domain.EventStats{
		ByVerb:   map[string]int{},
		BySource: map[string]int{},
		ByTarget: map[string]int{},
	}
	sinceArg := w.arg(since)
	err := r.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE timestamp >= %s) FROM activity_events %s`, sinceArg, where),
		w.args...).Scan(&stats.Total, &stats.Last24h)
	if err != nil {
		return nil, fmt.Errorf("event totals: %w", err)
	}

	groups := []struct {
		col string
		dst map[string]int
	}{
		{"verb", stats.ByVerb},
		{"source", stats.BySource},
		{"target_type", stats.ByTarget},
	}
	args := w.args[:len(w.args)-1]
	for _, g := range groups {
		rows, err := r.pool.Query(ctx, fmt.Sprintf(
			`SELECT %[1]s, COUNT(*) FROM activity_events %[2]s GROUP BY %[1]s`, g.col, where), args...)
		if err != nil {
			return nil, fmt.Errorf("group by %s: %w", g.col, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s group: %w", g.col, err)
			}
			g.dst[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
