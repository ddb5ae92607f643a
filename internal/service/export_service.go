package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/CaioWing/Watchtower/internal/auth"
	"github.com/CaioWing/Watchtower/internal/domain"
	"github.com/CaioWing/Watchtower/internal/storage"
)

const exportChunkSize = 500

type ExportService struct {
	repo   domain.ExportRepository
	events domain.EventRepository
	store  storage.BlobStore
	signer *auth.URLSigner
	queue  JobQueue
	log    *slog.Logger
}

func NewExportService(repo domain.ExportRepository, events domain.EventRepository, store storage.BlobStore,
	signer *auth.URLSigner, queue JobQueue, log *slog.Logger) *ExportService {
	return &ExportService{repo: repo, events: events, store: store, signer: signer, queue: queue, log: log}
}

type CreateExportInput struct {
	Format   string               `json:"format"`
	Filters  domain.ExportFilters `json:"filters"`
	Fields   []string             `json:"fields"`
	Compress bool                 `json:"compress"`
}

// CreateExport validates and queues an export. Only admins may export.
func (s *ExportService) CreateExport(ctx context.Context, p domain.Principal, in CreateExportInput, opts ReadOptions) (*domain.ExportJob, error) {
	if !p.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	format := domain.ExportFormat(strings.ToUpper(strings.TrimSpace(in.Format)))
	switch format {
	case domain.ExportCSV, domain.ExportNDJSON:
	case "":
		format = domain.ExportCSV
	default:
		return nil, domain.Invalid("format", fmt.Sprintf("unsupported format %q", in.Format))
	}
	if err := ValidateExportFields(in.Fields); err != nil {
		return nil, err
	}
	if _, err := EventFilterFromExport(in.Filters); err != nil {
		return nil, err
	}

	filters := in.Filters
	filters.IncludePII = filters.IncludePII && canSeePII(p, ReadOptions{IncludePII: true, Secure: opts.Secure})

	job := &domain.ExportJob{
		Format:      format,
		Filters:     filters,
		Fields:      in.Fields,
		Compress:    in.Compress,
		Status:      domain.JobPending,
		RequestedBy: p.UserID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}
	if err := s.queue.EnqueueExport(ctx, job.ID); err != nil {
		if ferr := s.repo.Fail(ctx, job.ID, "enqueue: "+err.Error()); ferr != nil {
			s.log.Error("record export enqueue failure", "job_id", job.ID, "err", ferr)
		}
		return nil, fmt.Errorf("enqueue export job: %w", err)
	}
	s.log.Info("export job queued", "job_id", job.ID, "format", format, "requested_by", p.UserID)
	return job, nil
}

// ExportStatus is a job plus, once completed, a freshly signed download link.
type ExportStatus struct {
	*domain.ExportJob
	DownloadURL string `json:"downloadUrl,omitempty"`
	ExpiresAt   int64  `json:"downloadExpiresAt,omitempty"`
}

// Status is visible to admins and to the requester. Anyone else gets ErrNotFound.
func (s *ExportService) Status(ctx context.Context, p domain.Principal, id uuid.UUID) (*ExportStatus, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && (p.UserID == "" || job.RequestedBy != p.UserID) {
		return nil, domain.ErrNotFound
	}
	st := &ExportStatus{ExportJob: job}
	if job.Status == domain.JobCompleted {
		st.DownloadURL, st.ExpiresAt = s.DownloadURL(job.ID)
	}
	return st, nil
}

// DownloadURL signs a relative download path for jobID.
func (s *ExportService) DownloadURL(jobID uuid.UUID) (string, int64) {
	exp, sig := s.signer.Sign(exportResource(jobID))
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)
	return "/api/v1/activity-logs/exports/" + jobID.String() + "/download?" + q.Encode(), exp
}

// Download is an open export file ready to stream.
type Download struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
}

// OpenDownload checks the signature and expiry on every call before opening the file.
func (s *ExportService) OpenDownload(ctx context.Context, jobID uuid.UUID, exp int64, sig string) (*Download, error) {
	if err := s.signer.Check(exportResource(jobID), exp, sig); err != nil {
		return nil, err
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobCompleted || job.FilePath == "" {
		return nil, domain.ErrNotFound
	}
	body, err := s.store.Open(ctx, job.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: open export: %w", domain.ErrStorage, err)
	}
	return &Download{
		Body:        body,
		Filename:    exportFilename(job),
		ContentType: exportContentType(job),
	}, nil
}

// RunJob streams every matching event into the blob store without buffering the file.
func (s *ExportService) RunJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load export job: %w", err)
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	filter, err := EventFilterFromExport(job.Filters)
	if err != nil {
		return s.fail(ctx, jobID, err)
	}
	if err := s.repo.MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("start export job: %w", err)
	}

	key := "exports/" + exportFilename(job)
	pr, pw := io.Pipe()
	type result struct {
		total int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		total, err := s.write(ctx, pw, job, filter)
		pw.CloseWithError(err)
		done <- result{total, err}
	}()

	_, putErr := s.store.Put(ctx, key, pr, -1, exportContentType(job))
	pr.CloseWithError(putErr)
	res := <-done

	switch {
	case res.err != nil:
		s.deleteQuietly(key)
		return s.fail(ctx, jobID, res.err)
	case putErr != nil:
		s.deleteQuietly(key)
		return s.fail(ctx, jobID, fmt.Errorf("%w: %w", domain.ErrStorage, putErr))
	}

	if err := s.repo.Complete(ctx, jobID, key, res.total); err != nil {
		return fmt.Errorf("complete export job: %w", err)
	}
	s.log.Info("export job completed", "job_id", jobID, "events", res.total, "key", key)
	return nil
}

func (s *ExportService) write(ctx context.Context, w io.Writer, job *domain.ExportJob, filter domain.EventFilter) (int, error) {
	var gz *gzip.Writer
	if job.Compress {
		gz = gzip.NewWriter(w)
		w = gz
	}
	enc, err := newEventEncoder(job.Format, w, job.Fields)
	if err != nil {
		return 0, err
	}

	total := 0
	err = s.events.Iterate(ctx, filter, exportChunkSize, func(chunk []*domain.ActivityEvent) error {
		for _, e := range chunk {
			if err := enc.Encode(present(e, job.Filters.IncludePII)); err != nil {
				return fmt.Errorf("encode event %s: %w", e.ID, err)
			}
		}
		total += len(chunk)
		return enc.Flush()
	})
	if err != nil {
		return total, err
	}
	if err := enc.Flush(); err != nil {
		return total, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return total, fmt.Errorf("close gzip: %w", err)
		}
	}
	return total, nil
}

func (s *ExportService) fail(ctx context.Context, jobID uuid.UUID, cause error) error {
	if err := s.repo.Fail(ctx, jobID, cause.Error()); err != nil {
		s.log.Error("record export failure", "job_id", jobID, "err", err)
	}
	s.log.Error("export job failed", "job_id", jobID, "err", cause)
	return fmt.Errorf("%w: %w", domain.ErrJobFailed, cause)
}

func (s *ExportService) deleteQuietly(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, key); err != nil {
		s.log.Warn("delete partial export", "key", key, "err", err)
	}
}

func exportResource(id uuid.UUID) string {
	return "export:" + id.String()
}

func exportFilename(job *domain.ExportJob) string {
	name := job.ID.String() + ".csv"
	if job.Format == domain.ExportNDJSON {
		name = job.ID.String() + ".ndjson"
	}
	if job.Compress {
		name += ".gz"
	}
	return name
}

func exportContentType(job *domain.ExportJob) string {
	if job.Compress {
		return "application/gzip"
	}
	if job.Format == domain.ExportNDJSON {
		return "application/x-ndjson"
	}
	return "text/csv"
}

// EventFilterFromExport validates persisted export filters and converts them for the store.
func EventFilterFromExport(f domain.ExportFilters) (domain.EventFilter, error) {
	out := domain.EventFilter{
		Since: f.Since,
		Until: f.Until,
		Query: f.Query,
		Tags:  f.Tags,
	}
	str := func(v string) *string {
		if v == "" {
			return nil
		}
		return &v
	}
	out.TenantID = str(f.TenantID)
	out.ActorID = str(f.ActorID)
	out.ActorRole = str(strings.ToUpper(f.ActorRole))
	out.TargetType = str(f.TargetType)
	out.TargetID = str(f.TargetID)
	out.Severity = str(f.Severity)
	if f.Verb != "" {
		v, ok := domain.ParseVerb(f.Verb)
		if !ok {
			return out, domain.Invalid("filters.verb", fmt.Sprintf("unknown verb %q", f.Verb))
		}
		out.Verb = &v
	}
	if f.Source != "" {
		src, ok := domain.ParseSource(f.Source)
		if !ok {
			return out, domain.Invalid("filters.source", fmt.Sprintf("unknown source %q", f.Source))
		}
		out.Source = &src
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return out, domain.Invalid("filters.until", "must not be before since")
	}
	return out, nil
}
