package service

import (
	"context"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/eventhash"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEventService() (*EventService, *mockEventRepo, *mockKeyRepo) {
	repo := newMockEventRepo()
	keys := newMockKeyRepo()
	svc := NewEventService(repo, keys, 0, testLogger())
	return svc, repo, keys
}

func strPtr(s string) *string { return &s }

func event(tenant, verb, targetType, requestID string, ts time.Time) EventInput {
	return EventInput{
		Timestamp: &ts,
		TenantID:  tenant,
		Actor:     &ActorInput{ID: strPtr("u-1"), Role: domain.RoleSales},
		Verb:      verb,
		Target:    TargetInput{Type: targetType, ID: "42"},
		RequestID: requestID,
	}
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestIngest_HashesAndChainsPerTenant(t *testing.T) {
	svc, _, _ := newTestEventService()
	ctx := context.Background()

	first, created, err := svc.Ingest(ctx, event("acme", "create", "Client", "r1", base))
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	if first.PrevHash != nil {
		t.Fatalf("expected first event of a tenant to have no prev_hash, got %q", *first.PrevHash)
	}
	if !eventhash.Verify(first) {
		t.Fatal("stored hash does not match content")
	}

	second, _, err := svc.Ingest(ctx, event("acme", "update", "Client", "r2", base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.PrevHash == nil || *second.PrevHash != first.Hash {
		t.Fatalf("expected prev_hash %s, got %v", first.Hash, second.PrevHash)
	}

	other, _, err := svc.Ingest(ctx, event("globex", "update", "Client", "r2", base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("other tenant ingest: %v", err)
	}
	if other.PrevHash != nil {
		t.Fatal("chains must not cross tenants")
	}
}

func TestIngest_ConcurrentWritersKeepOneChain(t *testing.T) {
	svc, repo, _ := newTestEventService()
	ctx := context.Background()

	const writers, perWriter = 8, 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]EventInput, perWriter)
			for i := range batch {
				batch[i] = event("acme", "update", "Order", fmt.Sprintf("w%d-%d", w, i), base)
			}
			if _, err := svc.IngestBatch(ctx, batch); err != nil {
				t.Errorf("writer %d: %v", w, err)
			}
			svc.EmitAsync(event("acme", "comment", "Order", fmt.Sprintf("emit-%d", w), base))
			svc.EmitAsync(event("globex", "comment", "Order", fmt.Sprintf("emit-%d", w), base))
		}(w)
	}
	wg.Wait()
	svc.Drain(ctx)

	var chain []*domain.ActivityEvent
	for _, e := range repo.events {
		if e.TenantID == "acme" {
			chain = append(chain, e)
		}
	}
	if len(chain) != writers*(perWriter+1) {
		t.Fatalf("expected %d events, got %d", writers*(perWriter+1), len(chain))
	}

	seenPrev := make(map[string]bool, len(chain))
	for i, e := range chain {
		if !eventhash.Verify(e) {
			t.Fatalf("event %d hash does not match content", i)
		}
		if i == 0 {
			if e.PrevHash != nil {
				t.Fatal("chain must start without prev_hash")
			}
			continue
		}
		if e.PrevHash == nil || *e.PrevHash != chain[i-1].Hash {
			t.Fatalf("event %d does not link to event %d", i, i-1)
		}
		if seenPrev[*e.PrevHash] {
			t.Fatalf("chain forks at event %d", i)
		}
		seenPrev[*e.PrevHash] = true
	}
}

func TestIngest_SameRequestIDReturnsOriginal(t *testing.T) {
	svc, repo, _ := newTestEventService()
	ctx := context.Background()

	first, created, err := svc.Ingest(ctx, event("acme", "CREATE", "Order", "req-7", base))
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	again, created, err := svc.Ingest(ctx, event("acme", "CREATE", "Order", "req-7", base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatal("replay must not create a new event")
	}
	if again.ID != first.ID || again.Hash != first.Hash {
		t.Fatalf("replay returned a different event: %s vs %s", again.ID, first.ID)
	}
	if repo.len() != 1 {
		t.Fatalf("expected 1 stored event, got %d", repo.len())
	}
}

func TestIngest_AppliesDefaults(t *testing.T) {
	svc, _, _ := newTestEventService()

	e, _, err := svc.Ingest(context.Background(), EventInput{
		Verb:   "other",
		Target: TargetInput{Type: "System", ID: "boot"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if e.ActorID != nil || e.ActorRole != domain.RoleSystem {
		t.Fatalf("expected system actor, got %v/%s", e.ActorID, e.ActorRole)
	}
	if e.TenantID != domain.DefaultTenant {
		t.Fatalf("expected default tenant, got %s", e.TenantID)
	}
	if e.Source != domain.SourceAPI {
		t.Fatalf("expected API source, got %s", e.Source)
	}
	if e.Verb != domain.VerbOther {
		t.Fatalf("expected verb to be upper-cased, got %s", e.Verb)
	}
	if e.Timestamp.IsZero() {
		t.Fatal("expected server timestamp")
	}
}

func TestIngest_RejectsUnknownVocabulary(t *testing.T) {
	svc, repo, _ := newTestEventService()
	ctx := context.Background()

	cases := map[string]EventInput{
		"verb":        {Verb: "EXPLODE", Target: TargetInput{Type: "Client"}},
		"source":      {Verb: "CREATE", Source: "CARRIER_PIGEON", Target: TargetInput{Type: "Client"}},
		"target.type": {Verb: "CREATE", Target: TargetInput{Type: "Spaceship"}},
	}
	for field, in := range cases {
		_, _, err := svc.Ingest(ctx, in)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) || ve.Field != field {
			t.Fatalf("%s: expected validation error on %s, got %v", field, field, err)
		}
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput", field)
		}
	}
	if repo.len() != 0 {
		t.Fatalf("expected no stored events, got %d", repo.len())
	}
}

func TestIngestBatch_InvalidEventWritesNothing(t *testing.T) {
	for bad := 0; bad < 3; bad++ {
		svc, repo, _ := newTestEventService()

		batch := []EventInput{
			event("acme", "CREATE", "Client", "a", base),
			event("acme", "CREATE", "Client", "b", base),
			event("acme", "CREATE", "Client", "c", base),
		}
		batch[bad].Verb = "NOPE"

		ids, err := svc.IngestBatch(context.Background(), batch)
		var ve *domain.ValidationError
		want := fmt.Sprintf("events[%d].verb", bad)
		if !errors.As(err, &ve) || ve.Field != want {
			t.Fatalf("expected %s validation error, got %v", want, err)
		}
		if len(ids) != 0 || repo.len() != 0 {
			t.Fatalf("bad item at %d: expected no writes, ids=%d stored=%d", bad, len(ids), repo.len())
		}
	}
}

func TestIngestBatch_EnforcesCap(t *testing.T) {
	repo := newMockEventRepo()
	svc := NewEventService(repo, newMockKeyRepo(), 2, testLogger())

	_, err := svc.IngestBatch(context.Background(), []EventInput{
		event("acme", "CREATE", "Client", "", base),
		event("acme", "CREATE", "Client", "", base),
		event("acme", "CREATE", "Client", "", base),
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if repo.len() != 0 {
		t.Fatal("oversized batch must write nothing")
	}
}

func TestVerifyIngestion(t *testing.T) {
	svc, _, keys := newTestEventService()
	ctx := context.Background()

	key, err := svc.CreateIngestionKey(ctx)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if key.Secret == "" || key.KeyID[:3] != "lk_" {
		t.Fatalf("unexpected key %+v", key)
	}
	body := []byte(`{"verb":"CREATE"}`)
	sig := auth.Sign([]byte(key.Secret), body)

	if err := svc.VerifyIngestion(ctx, key.KeyID, body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if keys.touched[key.KeyID] != 1 {
		t.Fatal("expected key usage to be recorded")
	}

	tampered := []byte(`{"verb":"DELETE"}`)
	if err := svc.VerifyIngestion(ctx, key.KeyID, tampered, sig); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for tampered body, got %v", err)
	}
	if err := svc.VerifyIngestion(ctx, "lk_unknown", body, sig); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown key, got %v", err)
	}

	if err := svc.RevokeIngestionKey(ctx, key.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := svc.VerifyIngestion(ctx, key.KeyID, body, sig); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected revoked key to be rejected, got %v", err)
	}
}

func seedScopedEvents(t *testing.T, svc *EventService) {
	t.Helper()
	ctx := context.Background()
	inputs := []EventInput{
		event("acme", "CREATE", "Client", "1", base),
		event("acme", "CREATE", "Machine", "2", base.Add(time.Second)),
		event("acme", "CREATE", "User", "3", base.Add(2*time.Second)),
		event("globex", "CREATE", "Client", "4", base.Add(3*time.Second)),
	}
	inputs[1].Actor = &ActorInput{ID: strPtr("u-9"), Role: domain.RoleProduction}
	inputs[2].Actor = &ActorInput{ID: strPtr("u-9"), Role: domain.RoleHR}
	for _, in := range inputs {
		if _, _, err := svc.Ingest(ctx, in); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestList_ScopesByRoleAndTenant(t *testing.T) {
	svc, _, _ := newTestEventService()
	seedScopedEvents(t, svc)
	ctx := context.Background()

	sales := domain.Principal{UserID: "u-2", Role: domain.RoleSales, TenantID: "acme"}
	page, err := svc.List(ctx, sales, domain.EventFilter{}, nil, 0, ReadOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Count != 1 || page.Events[0].TargetType != "Client" || page.Events[0].TenantID != "acme" {
		t.Fatalf("sales should see only acme Client events, got %d", page.Count)
	}

	// Tenant overrides are ignored for non-admins.
	page, err = svc.List(ctx, sales, domain.EventFilter{TenantID: strPtr("globex")}, nil, 0, ReadOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range page.Events {
		if e.TenantID != "acme" {
			t.Fatalf("sales read another tenant's event %s", e.ID)
		}
	}

	admin := domain.Principal{UserID: "root", Role: domain.RoleAdmin, TenantID: "acme"}
	page, err = svc.List(ctx, admin, domain.EventFilter{}, nil, 0, ReadOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Count != 4 {
		t.Fatalf("admin should see every event, got %d", page.Count)
	}
}

func TestList_OwnEventsAlwaysVisible(t *testing.T) {
	svc, _, _ := newTestEventService()
	seedScopedEvents(t, svc)

	// u-9 authored the Machine and User events; SALES cannot see either target type.
	p := domain.Principal{UserID: "u-9", Role: domain.RoleSales, TenantID: "acme"}
	page, err := svc.List(context.Background(), p, domain.EventFilter{}, nil, 0, ReadOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Count != 3 {
		t.Fatalf("expected own events plus allow-listed ones, got %d", page.Count)
	}
}

func TestGet_OutOfScopeIsNotFound(t *testing.T) {
	svc, repo, _ := newTestEventService()
	seedScopedEvents(t, svc)
	ctx := context.Background()

	var machine, foreign *domain.ActivityEvent
	for _, e := range repo.events {
		switch {
		case e.TargetType == "Machine":
			machine = e
		case e.TenantID == "globex":
			foreign = e
		}
	}
	sales := domain.Principal{UserID: "u-2", Role: domain.RoleSales, TenantID: "acme"}
	if _, err := svc.Get(ctx, sales, machine.ID, ReadOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for hidden target type, got %v", err)
	}
	if _, err := svc.Get(ctx, sales, foreign.ID, ReadOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}
	prod := domain.Principal{UserID: "u-3", Role: domain.RoleProduction, TenantID: "acme"}
	if _, err := svc.Get(ctx, prod, machine.ID, ReadOptions{}); err != nil {
		t.Fatalf("production should read Machine events: %v", err)
	}
}

func TestList_MasksPIIUnlessAllowed(t *testing.T) {
	svc, repo, _ := newTestEventService()
	ctx := context.Background()

	in := event("acme", "LOGIN", "User", "login-1", base)
	in.Context = domain.EventContext{IP: "10.0.0.7", UserAgent: "curl/8", Comment: "ok"}
	if _, _, err := svc.Ingest(ctx, in); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	admin := domain.Principal{UserID: "root", Role: domain.RoleAdmin, TenantID: "acme"}
	hr := domain.Principal{UserID: "h", Role: domain.RoleHR, TenantID: "acme"}
	cases := []struct {
		name   string
		p      domain.Principal
		opts   ReadOptions
		wantIP string
	}{
		{"admin secure opt-in", admin, ReadOptions{IncludePII: true, Secure: true}, "10.0.0.7"},
		{"admin insecure", admin, ReadOptions{IncludePII: true}, domain.RedactedMarker},
		{"admin no opt-in", admin, ReadOptions{Secure: true}, domain.RedactedMarker},
		{"non-admin", hr, ReadOptions{IncludePII: true, Secure: true}, domain.RedactedMarker},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := svc.List(ctx, tc.p, domain.EventFilter{}, nil, 0, tc.opts)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if page.Count != 1 {
				t.Fatalf("expected 1 event, got %d", page.Count)
			}
			got := page.Events[0].Context
			if got.IP != tc.wantIP {
				t.Fatalf("expected ip %q, got %q", tc.wantIP, got.IP)
			}
			if got.Comment != "ok" {
				t.Fatalf("non-PII fields must survive, got %q", got.Comment)
			}
			if got.Filename != "" {
				t.Fatal("absent PII fields must stay absent")
			}
		})
	}
	if repo.events[0].Context.IP != "10.0.0.7" {
		t.Fatal("masking must not mutate the stored event")
	}
}

func TestList_PagesWithCursor(t *testing.T) {
	svc, _, _ := newTestEventService()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := svc.Ingest(ctx, event("acme", "CREATE", "Client", "", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	admin := domain.Principal{UserID: "root", Role: domain.RoleAdmin}

	page, err := svc.List(ctx, admin, domain.EventFilter{}, nil, 2, ReadOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Count != 2 || page.NextCursor == nil {
		t.Fatalf("expected a full first page with a cursor, got %d", page.Count)
	}
	token := EncodeCursor(page.NextCursor)
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if cursor.ID != page.NextCursor.ID || !cursor.Timestamp.Equal(page.NextCursor.Timestamp) {
		t.Fatal("cursor did not survive encoding")
	}

	next, err := svc.List(ctx, admin, domain.EventFilter{}, cursor, 2, ReadOptions{})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if next.Events[0].Timestamp.After(page.Events[1].Timestamp) {
		t.Fatal("second page must continue in descending order")
	}
}

func TestDecodeCursor_RejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "bm9wZQ", "MXx4fGY"} {
		if _, err := DecodeCursor(token); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", token, err)
		}
	}
	if c, err := DecodeCursor(""); c != nil || err != nil {
		t.Fatal("empty cursor means first page")
	}
}

func TestEmitAsync_DrainWaitsForWrites(t *testing.T) {
	svc, repo, _ := newTestEventService()

	for i := 0; i < 10; i++ {
		svc.EmitAsync(event("acme", "LOGIN", "User", "", base))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Drain(ctx)

	if repo.len() != 10 {
		t.Fatalf("expected 10 events after drain, got %d", repo.len())
	}
}

func TestStats_ScopedToTenant(t *testing.T) {
	svc, _, _ := newTestEventService()
	seedScopedEvents(t, svc)

	st, err := svc.Stats(context.Background(), domain.Principal{UserID: "x", Role: domain.RoleHR, TenantID: "globex"})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 1 || st.ByTarget["Client"] != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
