package shuttle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"shuttleci.dev/core/cron"
	"shuttleci.dev/core/log"
	"shuttleci.dev/core/shuttle/config"
	"shuttleci.dev/core/shuttle/db"
	"shuttleci.dev/core/shuttle/plugins"
	"shuttleci.dev/core/shuttle/queue"
	"shuttleci.dev/core/workflow"
)

type Shuttle struct {
	cfg   *config.Config
	db    *db.DB
	jq    *queue.Queue
	sched *cron.Scheduler
	reg   workflow.Registry
	ev    workflow.Evaluator
	l     *slog.Logger

	// receives accepted job-creation requests; job execution itself
	// happens outside this core
	OnJob queue.Handler
}

func New(cfg *config.Config, d *db.DB, reg workflow.Registry, ev workflow.Evaluator, locker cron.Locker, l *slog.Logger) *Shuttle {
	s := &Shuttle{
		cfg: cfg,
		db:  d,
		jq:  queue.New(cfg.Jobs.QueueSize),
		reg: reg,
		ev:  ev,
		l:   l,
	}
	s.sched = cron.New(d, s, locker, l)
	return s
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	locker := cron.NewRedisLocker(cfg.Cron.RedisAddr, cfg.Cron.LockTTL)
	reg := plugins.NewDir(cfg.Server.PluginDir)

	s := New(cfg, d, reg, nil, locker, logger)

	s.jq.Start(s.handleJob)
	defer s.jq.Stop()

	if err := s.ResumeSchedules(ctx); err != nil {
		return fmt.Errorf("failed to resume schedules: %w", err)
	}

	logger.Info("starting shuttle server", "address", cfg.Server.ListenAddr)
	return http.ListenAndServe(cfg.Server.ListenAddr, s.Router())
}

func (s *Shuttle) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Post("/hooks/{flow}", s.Hook)
	mux.Post("/flows/{flow}", s.CreateFlowHandler)
	mux.Get("/flows/{flow}/definition", s.GetDefinitionHandler)
	mux.Put("/flows/{flow}/definition", s.SaveDefinitionHandler)
	mux.Put("/flows/{flow}/settings", s.SettingsHandler)
	mux.Post("/flows/{flow}/run", s.RunHandler)

	return mux
}

// ResumeSchedules installs timers for every stored flow with a cron
// expression, called once at boot.
func (s *Shuttle) ResumeSchedules(ctx context.Context) error {
	flows, err := s.db.ListFlows(ctx)
	if err != nil {
		return err
	}

	var schedules []cron.Schedule
	for _, flow := range flows {
		if flow.Cron == "" {
			continue
		}
		schedules = append(schedules, cron.Schedule{
			FlowID:   flow.ID,
			FlowName: flow.Name,
			Expr:     flow.Cron,
		})
	}
	s.sched.Resume(schedules)
	return nil
}

// Publish implements cron.Publisher for scheduler-triggered jobs.
func (s *Shuttle) Publish(_ context.Context, req cron.JobRequest) {
	s.publish(queue.Request{
		JobID:         uuid.NewString(),
		FlowID:        req.FlowID,
		FlowName:      req.FlowName,
		RawDefinition: req.RawDefinition,
		Kind:          string(req.Kind),
		Vars:          req.Vars,
	})
}

func (s *Shuttle) publish(req queue.Request) {
	if !s.jq.Publish(req) {
		s.l.Warn("job queue full, dropping request", "flow", req.FlowName, "kind", req.Kind)
	}
}

func (s *Shuttle) handleJob(req queue.Request) {
	s.l.Info("job accepted", "job", req.JobID, "flow", req.FlowName, "kind", req.Kind)
	if s.OnJob != nil {
		s.OnJob(req)
	}
}
