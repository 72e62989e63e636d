package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/uclh-foundry/pixl/modules/exporter"
	"github.com/uclh-foundry/pixl/modules/ledger"
	"github.com/uclh-foundry/pixl/modules/projects"
	"github.com/uclh-foundry/pixl/modules/queue"
	"github.com/uclh-foundry/pixl/modules/rawcache"
	"github.com/uclh-foundry/pixl/modules/scheduler"
	"github.com/uclh-foundry/pixl/modules/secrets"
	"github.com/uclh-foundry/pixl/modules/source"
	"github.com/uclh-foundry/pixl/pkg/api"
	"github.com/uclh-foundry/pixl/pkg/dicomstore"
	"github.com/uclh-foundry/pixl/pkg/message"
	"github.com/uclh-foundry/pixl/pkg/util/log"
)

// App is the root datastructure: every module the target needs, built by
// the module manager and run under one service manager.
type App struct {
	cfg Config

	server    *server.Server
	queue     *queue.Service
	projects  *projects.Registry
	secrets   *secrets.Service
	ledger    *ledger.Ledger
	rawStore  *dicomstore.Client
	anonStore *dicomstore.Client
	sources   source.Pair
	rawCache  *rawcache.Coordinator
	exporter  *exporter.Router
	scheduler *scheduler.Scheduler

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{cfg: cfg}

	if err := app.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "setting up module manager")
	}

	return app, nil
}

// Run starts the target's modules and blocks until a signal arrives or a
// module fails.
func (t *App) Run() error {
	if !t.moduleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module", "target", t.cfg.Target)
	}

	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return errors.Wrap(err, "initialising module services")
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return errors.Wrap(err, "creating service manager")
	}

	// Register the admin surface before anything starts so /ready answers
	// 503 during startup instead of 404.
	t.registerAdminRoutes(t.server.HTTP, sm)

	// Listen for events from the manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "pixl started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "pixl stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				if errors.Is(service.FailureCase(), modules.ErrStopProcess) {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "error", service.FailureCase())
				} else {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "error", service.FailureCase())
				}
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "error", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// SIGINT and SIGTERM stop the manager, which stops all services.
	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// SIGHUP reloads the project configurations in place. A broken config
	// file keeps the previous set serving.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if t.projects == nil {
				continue
			}
			if err := t.projects.Reload(); err != nil {
				level.Error(log.Logger).Log("msg", "project config reload failed", "err", err)
			}
		}
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting service manager")
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) registerAdminRoutes(r *mux.Router, sm *services.Manager) {
	r.Path(api.PathConfig).Handler(t.configHandler())
	r.Path(api.PathReady).Handler(t.readyHandler(sm))
	r.Path(api.PathHeartBeat).Handler(heartbeatHandler())
	r.Path(api.PathStatusQueues).Methods("GET").Handler(http.HandlerFunc(t.statusQueuesHandler))
	r.Path(api.PathExportPatientData).Methods("POST").Handler(http.HandlerFunc(t.exportPatientDataHandler))
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing config response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}

// heartbeatHandler is the liveness probe the deployment's compose files
// poll. Readiness lives on /ready.
func heartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "OK", http.StatusOK)
	}
}

func (t *App) statusQueuesHandler(w http.ResponseWriter, r *http.Request) {
	if t.queue == nil {
		http.Error(w, "queue module is not running", http.StatusServiceUnavailable)
		return
	}

	resp := api.StatusQueuesResponse{}
	for _, name := range []string{queue.Primary, queue.Secondary, queue.DeadLetter} {
		stats, err := t.queue.Client().Depth(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp.Queues = append(resp.Queues, api.QueueDepth{
			Name:      stats.Name,
			Messages:  stats.Messages,
			Consumers: stats.Consumers,
		})
	}

	if t.ledger != nil {
		counts, err := t.ledger.Counts(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, c := range counts {
			resp.Ledger = append(resp.Ledger, api.LedgerCount{
				Project: c.ProjectSlug,
				State:   string(c.State),
				Count:   c.Count,
			})
		}
	}

	writeJSON(w, resp)
}

func (t *App) exportPatientDataHandler(w http.ResponseWriter, r *http.Request) {
	if t.projects == nil || t.ledger == nil || t.exporter == nil {
		http.Error(w, "export modules are not running", http.StatusServiceUnavailable)
		return
	}

	var req api.ExportPatientDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ExtractDir == "" {
		http.Error(w, "extract_dir is required", http.StatusBadRequest)
		return
	}

	summary, err := message.ReadExtractSummary(filepath.Join(req.ExtractDir, "extract_summary.json"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := t.projects.Get(summary.Slug)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	records, err := t.ledger.Exported(r.Context(), project.Slug)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	linker := make([]exporter.LinkerRow, 0, len(records))
	for _, rec := range records {
		linker = append(linker, exporter.LinkerRow{
			HashedIdentifier: rec.PseudoPatientID,
			PseudoStudyUID:   rec.AnonStudyUID,
		})
	}

	receipt, err := t.exporter.ExportTabular(r.Context(), project, &exporter.TabularExtract{
		ExtractDatetime: summary.Datetime,
		SourceDir:       filepath.Join(req.ExtractDir, "public"),
		Linker:          linker,
	})
	if err != nil {
		level.Error(log.Logger).Log("msg", "tabular export failed", "project", project.Slug, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, api.ExportPatientDataResponse{
		Project:         project.Slug,
		ExtractDatetime: summary.Datetime,
		Destination:     receipt.Destination,
		Location:        receipt.Location,
		LinkerRows:      len(linker),
	})
}

func (t *App) tokenBucketListHandler(w http.ResponseWriter, _ *http.Request) {
	infos := t.scheduler.Buckets().Snapshot()
	out := make([]api.RateInfo, 0, len(infos))
	for _, ri := range infos {
		out = append(out, api.RateInfo{Source: ri.Source, Rate: ri.Rate, Burst: ri.Burst})
	}
	writeJSON(w, out)
}

func (t *App) tokenBucketUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var upd api.RateUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if upd.Rate < 0 {
		http.Error(w, "rate must not be negative", http.StatusBadRequest)
		return
	}

	if err := t.scheduler.Buckets().SetRate(upd.Source, upd.Rate, upd.Burst); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	level.Info(log.Logger).Log("msg", "token bucket retuned", "source", upd.Source, "rate", upd.Rate, "burst", upd.Burst)

	t.tokenBucketListHandler(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(log.Logger).Log("msg", "error writing response", "err", err)
	}
}
