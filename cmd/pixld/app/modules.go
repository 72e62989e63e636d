package app

import (
	"context"
	"net/http"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

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
	"github.com/uclh-foundry/pixl/pkg/util/log"
)

// The various modules that make up pixl.
const (
	Server    string = "server"
	Queue     string = "queue"
	Projects  string = "projects"
	Secrets   string = "secrets"
	Ledger    string = "ledger"
	Stores    string = "stores"
	Sources   string = "sources"
	RawCache  string = "raw-cache"
	Exporter  string = "exporter"
	Scheduler string = "scheduler"
	All       string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true
	t.cfg.Server.Log = log.Logger

	DisableSignalHandling(&t.cfg.Server)

	srv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "creating server")
	}
	t.server = srv

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// server should not wait for itself
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	return NewServerService(srv, servicesToWaitFor), nil
}

func (t *App) initQueue() (services.Service, error) {
	// Broker prefetch is the delivery window. Claiming more deliveries than
	// the scheduler will work on just parks them unacked on this process.
	t.cfg.Queue.PrefetchCount = t.cfg.Scheduler.MaxMessagesInFlight

	t.queue = queue.NewService(t.cfg.Queue, log.Logger)
	return t.queue, nil
}

func (t *App) initProjects() (services.Service, error) {
	reg, err := projects.New(t.cfg.Projects, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating project registry")
	}
	t.projects = reg
	return t.projects, nil
}

func (t *App) initSecrets() (services.Service, error) {
	sec, err := secrets.New(t.cfg.Secrets, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating secrets service")
	}
	t.secrets = sec
	return t.secrets, nil
}

func (t *App) initLedger() (services.Service, error) {
	l, err := ledger.New(t.cfg.Ledger, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating export ledger")
	}
	t.ledger = l
	return t.ledger, nil
}

// initStores builds the two DICOM store clients. They are plain HTTP
// clients with no lifecycle of their own, so no service is returned.
func (t *App) initStores() (services.Service, error) {
	raw, err := dicomstore.New(t.cfg.RawStore)
	if err != nil {
		return nil, errors.Wrap(err, "creating raw store client")
	}
	anon, err := dicomstore.New(t.cfg.AnonStore)
	if err != nil {
		return nil, errors.Wrap(err, "creating anon store client")
	}
	t.rawStore = raw
	t.anonStore = anon
	return nil, nil
}

func (t *App) initSources() (services.Service, error) {
	t.sources = source.NewPair(t.cfg.Source, t.rawStore, log.Logger)
	return nil, nil
}

func (t *App) initRawCache() (services.Service, error) {
	t.rawCache = rawcache.New(t.cfg.RawCache, t.rawStore, log.Logger)
	return t.rawCache, nil
}

func (t *App) initExporter() (services.Service, error) {
	t.exporter = exporter.NewRouter(t.cfg.Exporter, t.secrets, log.Logger)
	return nil, nil
}

func (t *App) initScheduler() (services.Service, error) {
	s, err := scheduler.New(t.cfg.Scheduler, scheduler.Deps{
		Consumer:  t.queue.Client(),
		Projects:  t.projects,
		Ledger:    t.ledger,
		Primary:   t.sources.Primary,
		Secondary: t.sources.Secondary,
		Cache:     t.rawCache,
		Raw:       t.rawStore,
		Staging:   t.anonStore,
		Exporter:  t.exporter,
		Salts:     saltSource{t.secrets},
	}, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating scheduler")
	}
	t.scheduler = s

	t.server.HTTP.Path(api.PathTokenBucket).Methods("GET").Handler(http.HandlerFunc(t.tokenBucketListHandler))
	t.server.HTTP.Path(api.PathTokenBucket).Methods("PUT").Handler(http.HandlerFunc(t.tokenBucketUpdateHandler))

	return t.scheduler, nil
}

// saltSource adapts the secrets service to the scheduler's per-project
// salt lookup.
type saltSource struct {
	sec *secrets.Service
}

func (s saltSource) Salt(ctx context.Context, alias string) ([]byte, error) {
	return s.sec.ForProject(alias).Salt(ctx)
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Queue, t.initQueue, modules.UserInvisibleModule)
	mm.RegisterModule(Projects, t.initProjects, modules.UserInvisibleModule)
	mm.RegisterModule(Secrets, t.initSecrets, modules.UserInvisibleModule)
	mm.RegisterModule(Ledger, t.initLedger, modules.UserInvisibleModule)
	mm.RegisterModule(Stores, t.initStores, modules.UserInvisibleModule)
	mm.RegisterModule(Sources, t.initSources, modules.UserInvisibleModule)
	mm.RegisterModule(RawCache, t.initRawCache, modules.UserInvisibleModule)
	mm.RegisterModule(Exporter, t.initExporter, modules.UserInvisibleModule)
	mm.RegisterModule(Scheduler, t.initScheduler)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server: nil,
		// Stores: nil,
		Queue:     {Server},
		Projects:  {Server},
		Secrets:   {Server},
		Ledger:    {Server},
		Sources:   {Stores},
		RawCache:  {Stores, Server},
		Exporter:  {Secrets},
		Scheduler: {Server, Queue, Projects, Secrets, Ledger, Sources, RawCache, Exporter},
		All:       {Scheduler},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm

	return nil
}
