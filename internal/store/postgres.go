package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eztheme/builder/internal/model"
)

//go:embed schema.sql
var schema string

const selectColumns = `
	SELECT id, owner, config, asset, status, artifact_locator, error,
	       attempts, created_at, started_at, finished_at
	FROM builds
`

// Postgres stores jobs in the builds table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, job *model.BuildJob) error {
	query := `
		INSERT INTO builds (id, owner, config, asset, status, artifact_locator, error,
		                    attempts, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := p.pool.Exec(ctx, query,
		job.ID,
		job.Owner,
		string(job.ConfigSnapshot),
		job.Asset,
		string(job.Status),
		nullString(job.ArtifactLocator),
		nullString(job.Error),
		job.Attempts,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*model.BuildJob, error) {
	return scanJob(p.pool.QueryRow(ctx, selectColumns+" WHERE id = $1", id))
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, u model.StatusUpdate) (*model.BuildJob, error) {
	if err := validateUpdate(u); err != nil {
		return nil, err
	}

	var updated *model.BuildJob
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, selectColumns+" WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return err
		}
		u.Apply(job, now())

		_, err = tx.Exec(ctx, `
			UPDATE builds
			SET status = $2, artifact_locator = $3, error = $4, attempts = $5,
			    started_at = $6, finished_at = $7
			WHERE id = $1
		`,
			job.ID,
			string(job.Status),
			nullString(job.ArtifactLocator),
			nullString(job.Error),
			job.Attempts,
			job.StartedAt,
			job.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("update build: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) List(ctx context.Context, owner string, page, limit int) ([]*model.BuildJob, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM builds WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count builds: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		selectColumns+" WHERE owner = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		owner, limit, offset(page, limit),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list builds: %w", err)
	}
	jobs, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (p *Postgres) ListByStatus(ctx context.Context, status model.BuildStatus) ([]*model.BuildJob, error) {
	rows, err := p.pool.Query(ctx, selectColumns+" WHERE status = $1 ORDER BY created_at ASC", string(status))
	if err != nil {
		return nil, fmt.Errorf("list builds by status: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*model.BuildJob, error) {
	defer rows.Close()

	jobs := []*model.BuildJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*model.BuildJob, error) {
	var job model.BuildJob
	var config []byte
	var status string
	var locator, jobErr *string

	err := row.Scan(
		&job.ID,
		&job.Owner,
		&config,
		&job.Asset,
		&status,
		&locator,
		&jobErr,
		&job.Attempts,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan build: %w", err)
	}

	job.ConfigSnapshot = config
	job.Status = model.BuildStatus(status)
	if locator != nil {
		job.ArtifactLocator = *locator
	}
	if jobErr != nil {
		job.Error = *jobErr
	}
	return &job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
