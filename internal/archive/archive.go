// Package archive persists job records in Postgres so in-flight jobs survive
// a restart. The in-memory job store stays authoritative while running.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"quantumjobs/internal/job"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `create table if not exists quantum_jobs (
	id           text primary key,
	backend_id   text not null,
	state        text not null,
	submitted_at timestamptz not null,
	version      bigint not null,
	document     jsonb not null,
	updated_at   timestamptz not null default now()
);
create index if not exists quantum_jobs_state_idx on quantum_jobs (state);`

// A snapshot only replaces the stored row when it is newer, so concurrent or
// reordered saves never roll a job back.
const upsert = `insert into quantum_jobs (id, backend_id, state, submitted_at, version, document)
values ($1, $2, $3, $4, $5, $6)
on conflict (id) do update set
	backend_id = excluded.backend_id,
	state      = excluded.state,
	version    = excluded.version,
	document   = excluded.document,
	updated_at = now()
where quantum_jobs.version < excluded.version`

const selectAll = `select document from quantum_jobs order by submitted_at, id`

// DB is the subset of *pgxpool.Pool the archive uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Archive stores job snapshots.
type Archive struct {
	db     DB
	pool   *pgxpool.Pool // nil when built from a DB
	logger *slog.Logger
}

// Open connects to dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	a := New(pool)
	a.pool = pool
	if err := a.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// New wraps an existing connection.
func New(db DB) *Archive {
	return &Archive{db: db, logger: slog.With("component", "archive")}
}

// Migrate creates the jobs table.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// Save upserts j unless a newer version is already stored.
func (a *Archive) Save(ctx context.Context, j job.Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	tag, err := a.db.Exec(ctx, upsert, j.ID, j.BackendID, string(j.State), j.SubmittedAt, j.Version, doc)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		a.logger.Debug("Stale snapshot ignored", "jobId", j.ID, "version", j.Version)
	}
	return nil
}

// LoadAll returns every archived job ordered by submission time.
func (a *Archive) LoadAll(ctx context.Context) ([]job.Job, error) {
	rows, err := a.db.Query(ctx, selectAll)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]job.Job, 0, len(docs))
	for _, doc := range docs {
		var j job.Job
		if err := json.Unmarshal(doc, &j); err != nil {
			return nil, fmt.Errorf("decode archived job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Restore loads archived jobs into store and returns those still in flight.
func (a *Archive) Restore(ctx context.Context, store *job.Store) ([]job.Job, error) {
	jobs, err := a.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var inflight []job.Job
	for _, j := range jobs {
		if err := store.Restore(j); err != nil {
			a.logger.Warn("Skipping archived job", "jobId", j.ID, "error", err)
			continue
		}
		if !j.State.Terminal() {
			inflight = append(inflight, j)
		}
	}
	a.logger.Info("Archive restored", "jobs", len(jobs), "inflight", len(inflight))
	return inflight, nil
}

// Ping checks the connection.
func (a *Archive) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// Close releases the pool when Open created it.
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
