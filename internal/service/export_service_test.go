package service

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/domain"
)

type exportFixture struct {
	svc    *ExportService
	repo   *mockExportRepo
	events *EventService
	store  *memStore
	queue  *fakeQueue
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	eventRepo := newMockEventRepo()
	f := &exportFixture{
		repo:   newMockExportRepo(),
		events: NewEventService(eventRepo, newMockKeyRepo(), 0, testLogger()),
		store:  newMemStore(),
		queue:  &fakeQueue{},
	}
	signer := auth.NewURLSigner("export-secret", 5*time.Minute)
	f.svc = NewExportService(f.repo, eventRepo, f.store, signer, f.queue, testLogger())

	for i := 0; i < 1203; i++ {
		in := event("acme", "UPDATE", "Order", "", base.Add(time.Duration(i)*time.Second))
		in.Context = domain.EventContext{IP: "10.0.0.1", Tags: []string{"bulk"}, Severity: "info"}
		if _, _, err := f.events.Ingest(context.Background(), in); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return f
}

var adminP = domain.Principal{UserID: "root", Role: domain.RoleAdmin, TenantID: "acme"}

func (f *exportFixture) run(t *testing.T, in CreateExportInput, opts ReadOptions) *domain.ExportJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.CreateExport(ctx, adminP, in, opts)
	if err != nil {
		t.Fatalf("create export: %v", err)
	}
	if err := f.svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run export: %v", err)
	}
	done, err := f.repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if done.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", done.Status, done.Error)
	}
	return done
}

func (f *exportFixture) open(t *testing.T, job *domain.ExportJob) io.ReadCloser {
	t.Helper()
	link, _ := f.svc.DownloadURL(job.ID)
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	exp, _ := strconv.ParseInt(u.Query().Get("exp"), 10, 64)
	dl, err := f.svc.OpenDownload(context.Background(), job.ID, exp, u.Query().Get("sig"))
	if err != nil {
		t.Fatalf("open download: %v", err)
	}
	return dl.Body
}

func TestExport_NDJSONRoundTrip(t *testing.T) {
	f := newExportFixture(t)
	job := f.run(t, CreateExportInput{Format: "ndjson"}, ReadOptions{})

	if job.TotalEvents != 1203 {
		t.Fatalf("expected 1203 events, got %d", job.TotalEvents)
	}
	if !strings.HasSuffix(job.FilePath, ".ndjson") {
		t.Fatalf("unexpected file path %s", job.FilePath)
	}

	body := f.open(t, job)
	defer body.Close()
	sc := bufio.NewScanner(body)
	lines := 0
	var prev time.Time
	for sc.Scan() {
		var rec struct {
			Timestamp time.Time `json:"timestamp"`
			Actor     struct {
				ID   *string `json:"id"`
				Role string  `json:"role"`
			} `json:"actor"`
			Target struct {
				Type string `json:"type"`
			} `json:"target"`
			Context map[string]any `json:"context"`
			Hash    string         `json:"hash"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if rec.Actor.Role != domain.RoleSales || rec.Target.Type != "Order" || len(rec.Hash) != 64 {
			t.Fatalf("line %d: unexpected record %+v", lines, rec)
		}
		if rec.Context["ip"] != domain.RedactedMarker {
			t.Fatalf("line %d: ip must be redacted, got %v", lines, rec.Context["ip"])
		}
		if rec.Timestamp.Before(prev) {
			t.Fatal("export must be oldest-first")
		}
		prev = rec.Timestamp
		lines++
	}
	if lines != 1203 {
		t.Fatalf("expected 1203 lines, got %d", lines)
	}
}

func TestExport_CSVGzipWithFields(t *testing.T) {
	f := newExportFixture(t)
	job := f.run(t, CreateExportInput{
		Format:   "csv",
		Fields:   []string{"id", "verb", "tags", "ip"},
		Compress: true,
		Filters:  domain.ExportFilters{IncludePII: true},
	}, ReadOptions{Secure: true})

	if !strings.HasSuffix(job.FilePath, ".csv.gz") {
		t.Fatalf("unexpected file path %s", job.FilePath)
	}
	body := f.open(t, job)
	defer body.Close()
	gz, err := gzip.NewReader(body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	rows, err := csv.NewReader(gz).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(rows) != 1204 {
		t.Fatalf("expected header plus 1203 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != "id,verb,tags,ip" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][1] != "UPDATE" || rows[1][2] != "bulk" || rows[1][3] != "10.0.0.1" {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestExport_PIIOptInRequiresSecureChannel(t *testing.T) {
	f := newExportFixture(t)
	job := f.run(t, CreateExportInput{
		Fields:  []string{"ip"},
		Filters: domain.ExportFilters{IncludePII: true},
	}, ReadOptions{Secure: false})

	body := f.open(t, job)
	defer body.Close()
	rows, err := csv.NewReader(body).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if rows[1][0] != domain.RedactedMarker {
		t.Fatalf("expected redacted ip over insecure channel, got %q", rows[1][0])
	}
}

func TestExport_DefaultColumns(t *testing.T) {
	f := newExportFixture(t)
	job := f.run(t, CreateExportInput{}, ReadOptions{})

	body := f.open(t, job)
	defer body.Close()
	header, err := csv.NewReader(body).Read()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if strings.Join(header, ",") != strings.Join(DefaultExportColumns, ",") {
		t.Fatalf("unexpected default header %v", header)
	}
}

func TestExport_Validation(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	sales := domain.Principal{UserID: "u", Role: domain.RoleSales, TenantID: "acme"}
	if _, err := f.svc.CreateExport(ctx, sales, CreateExportInput{}, ReadOptions{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.CreateExport(ctx, adminP, CreateExportInput{Format: "xlsx"}, ReadOptions{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for format, got %v", err)
	}
	if _, err := f.svc.CreateExport(ctx, adminP, CreateExportInput{Fields: []string{"password"}}, ReadOptions{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for fields, got %v", err)
	}
	if _, err := f.svc.CreateExport(ctx, adminP, CreateExportInput{Filters: domain.ExportFilters{Verb: "EXPLODE"}}, ReadOptions{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for filters, got %v", err)
	}
	if len(f.queue.exports) != 0 {
		t.Fatal("rejected exports must not be queued")
	}
}

func TestExport_DownloadRequiresValidSignature(t *testing.T) {
	f := newExportFixture(t)
	job := f.run(t, CreateExportInput{Format: "ndjson"}, ReadOptions{})
	ctx := context.Background()

	link, exp := f.svc.DownloadURL(job.ID)
	u, _ := url.Parse(link)
	sig := u.Query().Get("sig")

	if _, err := f.svc.OpenDownload(ctx, job.ID, exp, sig+"x"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for bad signature, got %v", err)
	}
	if _, err := f.svc.OpenDownload(ctx, job.ID, exp+60, sig); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for altered expiry, got %v", err)
	}
	other, _ := f.repo.GetByID(ctx, job.ID)
	other.ID = [16]byte{1}
	if _, err := f.svc.OpenDownload(ctx, other.ID, exp, sig); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("signature must be bound to the job, got %v", err)
	}
}

func TestExport_StatusCarriesLinkOnlyWhenComplete(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateExport(ctx, adminP, CreateExportInput{}, ReadOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st, err := f.svc.Status(ctx, adminP, job.ID)
	if err != nil || st.DownloadURL != "" {
		t.Fatalf("pending job must not expose a link: %+v err=%v", st, err)
	}
	if err := f.svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	st, err = f.svc.Status(ctx, adminP, job.ID)
	if err != nil || !strings.Contains(st.DownloadURL, "/download?") {
		t.Fatalf("completed job must expose a link: %+v err=%v", st, err)
	}
}

func TestExport_StorageFailureMarksJobFailed(t *testing.T) {
	f := newExportFixture(t)
	f.store.failPut = func(string) bool { return true }
	ctx := context.Background()

	job, err := f.svc.CreateExport(ctx, adminP, CreateExportInput{}, ReadOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.RunJob(ctx, job.ID); !errors.Is(err, domain.ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	got, _ := f.repo.GetByID(ctx, job.ID)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}

func TestExport_StatusHiddenFromOtherUsers(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateExport(ctx, adminP, CreateExportInput{}, ReadOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	sales := domain.Principal{UserID: "u-sales", Role: domain.RoleSales, TenantID: "acme"}
	if _, err := f.svc.Status(ctx, sales, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}

	owner := domain.Principal{UserID: adminP.UserID, Role: domain.RoleManager, TenantID: "acme"}
	st, err := f.svc.Status(ctx, owner, job.ID)
	if err != nil || st.DownloadURL == "" {
		t.Fatalf("requester must see the link: %+v err=%v", st, err)
	}
}

func TestExport_EnqueueFailureMarksJobFailed(t *testing.T) {
	f := newExportFixture(t)
	f.queue.err = errors.New("broker down")

	if _, err := f.svc.CreateExport(context.Background(), adminP, CreateExportInput{}, ReadOptions{}); err == nil {
		t.Fatal("expected enqueue error")
	}
	if len(f.repo.jobs) != 1 {
		t.Fatalf("expected one job row, got %d", len(f.repo.jobs))
	}
	for _, j := range f.repo.jobs {
		if j.Status != domain.JobFailed || !strings.Contains(j.Error, "broker down") {
			t.Fatalf("unqueued export must be FAILED with the cause, got %s %q", j.Status, j.Error)
		}
	}
}
