package main

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yerba/yerbad/internal/config"
	"github.com/yerba/yerbad/internal/logging"
	"github.com/yerba/yerbad/internal/manager"
	"github.com/yerba/yerbad/internal/notifier"
	"github.com/yerba/yerbad/internal/reqloop"
	"github.com/yerba/yerbad/internal/servicemgr"
	"github.com/yerba/yerbad/internal/status"
	"github.com/yerba/yerbad/internal/store"
	"github.com/yerba/yerbad/internal/task"
	"github.com/yerba/yerbad/internal/telemetry"
	"github.com/yerba/yerbad/internal/workqueue"
	"github.com/yerba/yerbad/internal/workqueue/localqueue"
	"github.com/yerba/yerbad/internal/workqueue/natsqueue"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the yerbad daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Initialize(debug)
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "yerbad.conf", "path to the yerbad INI config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, nil)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx)

	db, err := store.Open(cfg.DB.Path, cfg.DB.StartIndex)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	notify := notifier.New()
	fs := afero.NewOsFs()
	mgr := manager.New(db, notify, fs)

	if err := mgr.Cleanup(); err != nil {
		return fmt.Errorf("boot-time cleanup: %w", err)
	}

	svc := servicemgr.New(func() []servicemgr.WorkflowSummary {
		rows, err := mgr.List(manager.WorkflowFilter{})
		if err != nil {
			logging.Error("serve: listing workflows for report: %v", err)
			return nil
		}
		summaries := make([]servicemgr.WorkflowSummary, 0, len(rows))
		for _, r := range rows {
			summaries = append(summaries, servicemgr.WorkflowSummary{
				ID:     r["id"].(string),
				Status: r["status"].(string),
			})
		}
		return summaries
	})

	backends := buildBackends(cfg, notify)
	if len(backends) == 0 {
		return fmt.Errorf("no work-queue backends configured")
	}
	for _, b := range backends {
		svc.Register(b)
	}
	defaultBackend := backends[0]

	notify.Register(notifier.ScheduleTask, func(payload ...interface{}) {
		if len(payload) != 3 {
			logging.Error("serve: malformed SCHEDULE_TASK payload")
			return
		}
		tasks, ok1 := payload[0].([]*task.Task)
		id, ok2 := payload[1].(string)
		priority, ok3 := payload[2].(int)
		if !ok1 || !ok2 || !ok3 {
			logging.Error("serve: malformed SCHEDULE_TASK payload")
			return
		}
		if err := defaultBackend.Schedule(tasks, id, priority); err != nil {
			logging.Error("serve: scheduling tasks for %s: %v", id, err)
		}
	})
	notify.Register(notifier.CancelTask, func(payload ...interface{}) {
		if len(payload) != 1 {
			return
		}
		id, ok := payload[0].(string)
		if !ok {
			return
		}
		for _, b := range backends {
			if err := b.Cancel(id); err != nil {
				logging.Error("serve: cancelling %s on %s: %v", id, workqueue.Key(b), err)
			}
		}
	})

	if err := svc.Start(); err != nil {
		return fmt.Errorf("starting service manager: %w", err)
	}

	loop, err := reqloop.New(fmt.Sprintf(":%d", cfg.Yerba.Port), svc)
	if err != nil {
		return fmt.Errorf("starting request loop: %w", err)
	}
	registerHandlers(loop, mgr)

	logging.Info("yerbad listening on :%d", cfg.Yerba.Port)
	return loop.Run()
}

func buildBackends(cfg *config.Config, notify *notifier.Notifier) []workqueue.Backend {
	var backends []workqueue.Backend
	for _, wq := range cfg.Workqueues {
		group := wq.Group
		if group == "" {
			group = "yerba"
		}
		name := wq.Name
		if name == "" {
			name = "default"
		}

		kind, _ := wq.Settings["type"].(string)
		switch kind {
		case "nats":
			backends = append(backends, natsqueue.New(natsqueue.Config{Group: group, Name: name}, notify))
		default:
			workers := 4
			if w, ok := wq.Settings["workers"].(int); ok && w > 0 {
				workers = w
			}
			backends = append(backends, localqueue.New(group, name, workers, notify))
		}
	}
	if len(backends) == 0 {
		backends = append(backends, localqueue.New("yerba", "default", 4, notify))
	}
	return backends
}

func registerHandlers(loop *reqloop.Loop, mgr *manager.Manager) {
	loop.Register("health", func(data map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"status": "OK"}
	})

	loop.Register("shutdown", func(data map[string]interface{}) map[string]interface{} {
		loop.Stop()
		return map[string]interface{}{"status": "OK"}
	})

	loop.Register("new", func(data map[string]interface{}) map[string]interface{} {
		id, err := mgr.NewEmpty()
		if err != nil {
			return map[string]interface{}{"status": "Failed", "error": err.Error()}
		}
		return map[string]interface{}{"status": status.Initialized.String(), "id": id}
	})

	loop.Register("schedule", func(data map[string]interface{}) map[string]interface{} {
		id, st, issues, err := mgr.Submit(data)
		if err != nil {
			return map[string]interface{}{"status": "Failed", "error": err.Error()}
		}
		if len(issues) > 0 {
			errs := make([]interface{}, len(issues))
			for i, iss := range issues {
				errs[i] = []interface{}{iss.Index, iss.Reason}
			}
			return map[string]interface{}{"status": st.String(), "errors": errs}
		}
		return map[string]interface{}{"status": st.String(), "id": id}
	})

	loop.Register("restart", func(data map[string]interface{}) map[string]interface{} {
		id, _ := data["id"].(string)
		st, err := mgr.Restart(id)
		if err != nil {
			return map[string]interface{}{"status": st.String(), "error": err.Error()}
		}
		return map[string]interface{}{"status": st.String(), "id": id}
	})

	loop.Register("cancel", func(data map[string]interface{}) map[string]interface{} {
		id, _ := data["id"].(string)
		st, err := mgr.Cancel(id)
		if err != nil {
			return map[string]interface{}{"status": st.String(), "error": err.Error()}
		}
		return map[string]interface{}{"status": st.String(), "id": id}
	})

	loop.Register("workflows", func(data map[string]interface{}) map[string]interface{} {
		filter := manager.WorkflowFilter{}
		if rawIDs, ok := data["ids"].([]interface{}); ok {
			for _, v := range rawIDs {
				if s, ok := v.(string); ok {
					filter.IDs = append(filter.IDs, s)
				}
			}
		}
		if s, ok := data["status"].(string); ok {
			filter.Status = s
		}
		rows, err := mgr.List(filter)
		if err != nil {
			return map[string]interface{}{"status": "Failed", "error": err.Error()}
		}
		jobs := make([]interface{}, len(rows))
		for i, r := range rows {
			jobs[i] = r
		}
		return map[string]interface{}{"status": "OK", "workflows": jobs}
	})

	loop.Register("get_status", func(data map[string]interface{}) map[string]interface{} {
		id, _ := data["id"].(string)
		st, states, err := mgr.Status(id)
		if err != nil {
			return map[string]interface{}{"status": "Failed", "error": err.Error()}
		}
		jobs := make([]interface{}, len(states))
		for i, s := range states {
			jobs[i] = s
		}
		return map[string]interface{}{"status": st.String(), "jobs": jobs}
	})
}
