package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists versions and build jobs to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS bundle_versions (
    id TEXT PRIMARY KEY,
    bundle_id TEXT NOT NULL,
    version TEXT NOT NULL,
    manifest JSONB,
    status TEXT NOT NULL,
    build_log TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS build_jobs (
    id TEXT PRIMARY KEY,
    version_id TEXT NOT NULL REFERENCES bundle_versions(id),
    status TEXT NOT NULL,
    attempt INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    queue_ref TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS build_jobs_version_status_idx ON build_jobs (version_id, status);
CREATE TABLE IF NOT EXISTS bundle_publications (
    bundle_id TEXT PRIMARY KEY,
    version_id TEXT NOT NULL REFERENCES bundle_versions(id),
    published_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) CreateVersion(ctx context.Context, v BundleVersion) error {
	query := `INSERT INTO bundle_versions (id, bundle_id, version, manifest, status, build_log, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
    manifest = EXCLUDED.manifest,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		v.ID, v.BundleID, v.Version, []byte(v.Manifest), v.Status, v.BuildLog, v.CreatedAt, v.UpdatedAt)
	return err
}

func (s *PostgresStore) Version(ctx context.Context, id string) (BundleVersion, error) {
	var v BundleVersion
	var manifest []byte
	query := `SELECT id, bundle_id, version, manifest, status, build_log, created_at, updated_at
FROM bundle_versions WHERE id=$1`
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&v.ID, &v.BundleID, &v.Version, &manifest, &v.Status, &v.BuildLog, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BundleVersion{}, ErrNotFound
	}
	if err != nil {
		return BundleVersion{}, err
	}
	v.Manifest = manifest
	return v, nil
}

func (s *PostgresStore) setVersionStatus(ctx context.Context, id string, status VersionStatus, buildLog string, keepLog bool) error {
	var res sql.Result
	var err error
	if keepLog {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bundle_versions SET status=$1, updated_at=$2 WHERE id=$3`,
			status, time.Now().UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bundle_versions SET status=$1, build_log=$2, updated_at=$3 WHERE id=$4`,
			status, buildLog, time.Now().UTC(), id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetBuilding(ctx context.Context, versionID string) error {
	return s.setVersionStatus(ctx, versionID, VersionBuilding, "", true)
}

func (s *PostgresStore) SetBuilt(ctx context.Context, versionID, buildLog string) error {
	return s.setVersionStatus(ctx, versionID, VersionBuilt, buildLog, false)
}

func (s *PostgresStore) SetBuildFailed(ctx context.Context, versionID, buildLog string) error {
	return s.setVersionStatus(ctx, versionID, VersionFailed, buildLog, false)
}

func (s *PostgresStore) Publish(ctx context.Context, bundleID, versionID string) error {
	v, err := s.Version(ctx, versionID)
	if err != nil {
		return err
	}
	if v.BundleID != bundleID {
		return ErrNotFound
	}
	if v.Status != VersionBuilt && v.Status != VersionPublished {
		return fmt.Errorf("%w: version %s is %s", ErrNotBuilt, versionID, v.Status)
	}
	query := `INSERT INTO bundle_publications (bundle_id, version_id, published_at)
VALUES ($1,$2,$3)
ON CONFLICT (bundle_id) DO UPDATE SET
    version_id = EXCLUDED.version_id,
    published_at = EXCLUDED.published_at`
	if _, err := s.db.ExecContext(ctx, query, bundleID, versionID, time.Now().UTC()); err != nil {
		return err
	}
	return s.setVersionStatus(ctx, versionID, VersionPublished, "", true)
}

func (s *PostgresStore) Published(ctx context.Context, bundleID string) (string, error) {
	var versionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT version_id FROM bundle_publications WHERE bundle_id=$1`, bundleID).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return versionID, err
}

func (s *PostgresStore) CreateJob(ctx context.Context, j BuildJob) error {
	query := `INSERT INTO build_jobs (id, version_id, status, attempt, max_attempts, error, correlation_id, queue_ref, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.VersionID, j.Status, j.Attempt, j.MaxAttempts, j.Error, j.CorrelationID, j.QueueRef, j.CreatedAt, j.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM build_jobs WHERE id=$1`, id)
	return err
}

const jobColumns = `id, version_id, status, attempt, max_attempts, started_at, finished_at, duration_ms, error, correlation_id, queue_ref, created_at, updated_at`

func scanJob(row *sql.Row) (BuildJob, error) {
	var j BuildJob
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&j.ID, &j.VersionID, &j.Status, &j.Attempt, &j.MaxAttempts,
		&startedAt, &finishedAt, &j.DurationMS, &j.Error, &j.CorrelationID, &j.QueueRef,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BuildJob{}, ErrNotFound
	}
	if err != nil {
		return BuildJob{}, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func (s *PostgresStore) Job(ctx context.Context, id string) (BuildJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM build_jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (s *PostgresStore) ActiveJob(ctx context.Context, versionID string) (BuildJob, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM build_jobs WHERE version_id=$1 AND status IN ($2,$3) ORDER BY created_at DESC LIMIT 1`,
		versionID, JobQueued, JobRunning)
	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return BuildJob{}, false, nil
	}
	if err != nil {
		return BuildJob{}, false, err
	}
	return j, true, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string, attempt, maxAttempts int, startedAt time.Time, queueRef string) error {
	query := `UPDATE build_jobs SET status=$1, attempt=$2, max_attempts=$3, started_at=$4, finished_at=NULL, queue_ref=$5, updated_at=$6 WHERE id=$7`
	return s.execJob(ctx, query, JobRunning, attempt, maxAttempts, startedAt, queueRef, time.Now().UTC(), id)
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, id string, finishedAt time.Time, durationMS int64) error {
	query := `UPDATE build_jobs SET status=$1, finished_at=$2, duration_ms=$3, error='', updated_at=$4 WHERE id=$5`
	return s.execJob(ctx, query, JobSucceeded, finishedAt, durationMS, time.Now().UTC(), id)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string, finishedAt time.Time, durationMS int64) error {
	query := `UPDATE build_jobs SET status=$1, error=$2, finished_at=$3, duration_ms=$4, updated_at=$5 WHERE id=$6`
	return s.execJob(ctx, query, JobFailed, errMsg, finishedAt, durationMS, time.Now().UTC(), id)
}

func (s *PostgresStore) MarkRetrying(ctx context.Context, id, errMsg string) error {
	query := `UPDATE build_jobs SET status=$1, error=$2, started_at=NULL, finished_at=NULL, updated_at=$3 WHERE id=$4`
	return s.execJob(ctx, query, JobQueued, errMsg, time.Now().UTC(), id)
}

func (s *PostgresStore) execJob(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
