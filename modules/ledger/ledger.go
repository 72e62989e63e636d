// Package ledger persists per-(project, study) export state in Postgres.
// It is the dedupe authority: once a pair reaches exported, no further work
// is ever scheduled for it.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uclh-foundry/pixl/pkg/util"
)

// ErrConflict is returned when a compare-and-set transition loses the race:
// the row's state no longer matches the expected from-state.
var ErrConflict = errors.New("ledger conflict")

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "ledger_transitions_total",
		Help:      "State transitions applied to the export ledger.",
	}, []string{"to"})
	metricConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "ledger_conflicts_total",
		Help:      "Compare-and-set transitions that lost their race.",
	})
)

// State of one (project, study) pair.
type State string

const (
	StatePending    State = "pending"
	StateAnonymised State = "anonymised"
	StateExported   State = "exported"
	StateFailed     State = "failed"
)

func (s State) valid() bool {
	switch s {
	case StatePending, StateAnonymised, StateExported, StateFailed:
		return true
	}
	return false
}

// Record is one ledger row.
type Record struct {
	ProjectSlug     string    `db:"project_slug"`
	SourceStudyUID  string    `db:"source_study_uid"`
	AnonStudyUID    string    `db:"anon_study_uid"`
	PseudoPatientID string    `db:"pseudo_patient_id"`
	State           State     `db:"state"`
	Error           string    `db:"error"`
	Created         time.Time `db:"created"`
	Updated         time.Time `db:"updated"`
}

// StateCount is one row of the per-project status summary.
type StateCount struct {
	ProjectSlug string `db:"project_slug"`
	State       State  `db:"state"`
	Count       int    `db:"n"`
}

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int `yaml:"max_open_conns"`

	// SkipMigrations leaves the schema alone at startup, for deployments
	// that migrate out of band. Populated from SKIP_ALEMBIC.
	SkipMigrations bool `yaml:"skip_migrations"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Host, util.PrefixConfig(prefix, "host"), "localhost", "Postgres host.")
	f.IntVar(&cfg.Port, util.PrefixConfig(prefix, "port"), 5432, "Postgres port.")
	f.StringVar(&cfg.Database, util.PrefixConfig(prefix, "database"), "pixl", "Postgres database name.")
	f.StringVar(&cfg.User, util.PrefixConfig(prefix, "user"), "pixl", "Postgres user.")
	f.StringVar(&cfg.Password, util.PrefixConfig(prefix, "password"), "", "Postgres password.")
	cfg.SSLMode = "disable"
	cfg.MaxOpenConns = 8
}

func (cfg Config) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
}

// Ledger wraps the export table.
type Ledger struct {
	services.Service

	cfg    Config
	logger log.Logger
	db     *sqlx.DB
}

func New(cfg Config, logger log.Logger) (*Ledger, error) {
	db, err := sqlx.Open("pgx", cfg.dsn())
	if err != nil {
		return nil, errors.Wrap(err, "opening ledger database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	l := &Ledger{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
	l.Service = services.NewIdleService(l.starting, l.stopping)
	return l, nil
}

// newWithDB is the test seam: sqlmock hands us a ready *sql.DB.
func newWithDB(db *sql.DB, logger log.Logger) *Ledger {
	return &Ledger{
		logger: logger,
		db:     sqlx.NewDb(db, "pgx"),
	}
}

func (l *Ledger) starting(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
		MaxRetries: 10,
	})
	var err error
	for boff.Ongoing() {
		err = l.db.PingContext(ctx)
		if err == nil {
			break
		}
		level.Warn(l.logger).Log("msg", "ledger database not ready", "err", err)
		boff.Wait()
	}
	if err != nil {
		return errors.Wrap(err, "connecting to ledger database")
	}

	if l.cfg.SkipMigrations {
		level.Info(l.logger).Log("msg", "skipping ledger migrations")
		return nil
	}
	return l.migrate()
}

func (l *Ledger) stopping(error) error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "setting migration dialect")
	}
	if err := goose.Up(l.db.DB, "migrations"); err != nil {
		return errors.Wrap(err, "applying ledger migrations")
	}
	level.Info(l.logger).Log("msg", "ledger migrations applied")
	return nil
}

const selectRecord = `
SELECT project_slug, source_study_uid,
       COALESCE(anon_study_uid, '') AS anon_study_uid,
       COALESCE(pseudo_patient_id, '') AS pseudo_patient_id,
       state, COALESCE(error, '') AS error, created, updated
  FROM export
 WHERE project_slug = $1 AND source_study_uid = $2`

// Get returns the record for one pair, reporting whether it exists.
func (l *Ledger) Get(ctx context.Context, project, sourceKey string) (Record, bool, error) {
	var rec Record
	err := l.db.GetContext(ctx, &rec, selectRecord, project, sourceKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(err, "reading ledger record")
	}
	return rec, true, nil
}

// Ensure inserts a pending row if the pair is new and returns the current
// record either way.
func (l *Ledger) Ensure(ctx context.Context, project, sourceKey string) (Record, error) {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO export (project_slug, source_study_uid, state)
VALUES ($1, $2, 'pending')
ON CONFLICT (project_slug, source_study_uid) DO NOTHING`, project, sourceKey)
	if err != nil {
		return Record{}, errors.Wrap(err, "inserting ledger record")
	}

	rec, ok, err := l.Get(ctx, project, sourceKey)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, errors.Errorf("ledger record vanished for %s/%s", project, sourceKey)
	}
	return rec, nil
}

// Transition moves a pair from one state to another with optimistic
// concurrency: if the row is no longer in the from-state, ErrConflict.
func (l *Ledger) Transition(ctx context.Context, project, sourceKey string, from, to State, errMsg string) error {
	if !from.valid() || !to.valid() {
		return errors.Errorf("invalid ledger transition %s -> %s", from, to)
	}

	res, err := l.db.ExecContext(ctx, `
UPDATE export
   SET state = $1, error = NULLIF($2, ''), updated = now()
 WHERE project_slug = $3 AND source_study_uid = $4 AND state = $5`,
		string(to), errMsg, project, sourceKey, string(from))
	if err != nil {
		return errors.Wrap(err, "updating ledger record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "updating ledger record")
	}
	if n == 0 {
		metricConflicts.Inc()
		return errors.Wrapf(ErrConflict, "%s/%s not in state %s", project, sourceKey, from)
	}
	metricTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// SetAnonIDs records the anonymised study UID and pseudonymised patient ID
// once the anonymiser has fixed them.
func (l *Ledger) SetAnonIDs(ctx context.Context, project, sourceKey, anonStudyUID, pseudoPatientID string) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE export
   SET anon_study_uid = $1, pseudo_patient_id = $2, updated = now()
 WHERE project_slug = $3 AND source_study_uid = $4`,
		anonStudyUID, pseudoPatientID, project, sourceKey)
	if err != nil {
		return errors.Wrap(err, "recording anonymised identifiers")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "recording anonymised identifiers")
	}
	if n == 0 {
		return errors.Wrapf(ErrConflict, "no ledger record for %s/%s", project, sourceKey)
	}
	return nil
}

// Exported lists a project's exported records in source-study order, for
// the tabular linker extract.
func (l *Ledger) Exported(ctx context.Context, project string) ([]Record, error) {
	var out []Record
	err := l.db.SelectContext(ctx, &out, `
SELECT project_slug, source_study_uid,
       COALESCE(anon_study_uid, '') AS anon_study_uid,
       COALESCE(pseudo_patient_id, '') AS pseudo_patient_id,
       state, COALESCE(error, '') AS error, created, updated
  FROM export
 WHERE project_slug = $1 AND state = 'exported'
 ORDER BY source_study_uid`, project)
	if err != nil {
		return nil, errors.Wrap(err, "listing exported records")
	}
	return out, nil
}

// Counts summarises row counts per (project, state) for the status surface.
func (l *Ledger) Counts(ctx context.Context) ([]StateCount, error) {
	var out []StateCount
	err := l.db.SelectContext(ctx, &out, `
SELECT project_slug, state, count(*) AS n
  FROM export
 GROUP BY project_slug, state
 ORDER BY project_slug, state`)
	if err != nil {
		return nil, errors.Wrap(err, "counting ledger records")
	}
	return out, nil
}
