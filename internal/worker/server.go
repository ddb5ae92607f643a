package worker

import (
	"context"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *slog.Logger
}

func NewServer(opt asynq.RedisConnOpt, concurrency int, exports, retention *JobHandler, log *slog.Logger) *Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueExports:   3,
			QueueRetention: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("task failed", "type", task.Type(), "err", err)
		}),
		Logger: slogAdapter{log: log, exit: os.Exit},
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeExport, exports)
	mux.Handle(TypeRetention, retention)

	return &Server{server: srv, mux: mux, log: log}
}

// Start runs the worker in the background.
func (s *Server) Start() error {
	s.log.Info("job worker starting")
	return s.server.Start(s.mux)
}

func (s *Server) Shutdown() {
	s.log.Info("job worker stopping")
	s.server.Shutdown()
}

// slogAdapter routes asynq's internal logging through slog. Fatal exits like the
// logger asynq expects.
type slogAdapter struct {
	log  *slog.Logger
	exit func(code int)
}

func (a slogAdapter) Debug(args ...any) { a.log.Debug("asynq", "msg", args) }
func (a slogAdapter) Info(args ...any)  { a.log.Info("asynq", "msg", args) }
func (a slogAdapter) Warn(args ...any)  { a.log.Warn("asynq", "msg", args) }
func (a slogAdapter) Error(args ...any) { a.log.Error("asynq", "msg", args) }
func (a slogAdapter) Fatal(args ...any) {
	a.log.Error("asynq fatal", "msg", args)
	a.exit(1)
}
