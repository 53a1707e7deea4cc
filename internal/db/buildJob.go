package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrBuildJobNotFound = errors.New("build job not found")

// BuildJob is one recorded build of a recipe.
type BuildJob struct {
	ID           string     `json:"id"`
	RecipeDigest string     `json:"recipe_digest"`
	BaseImage    string     `json:"base_image"`
	Tag          string     `json:"tag"`
	Status       string     `json:"status"`
	Phase        string     `json:"phase"`
	ImageDigest  *string    `json:"image_digest,omitempty"`
	ErrorKind    *string    `json:"error_kind,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func InsertBuildJob(ctx context.Context, envDB *sql.DB, recipeDigest, baseImage, tag string) (*BuildJob, error) {
	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("error generating buildjob uuid: %w", err)
	}
	now := time.Now().Unix()

	query := `
		INSERT INTO build_jobs (id, recipe_digest, base_image, tag, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = envDB.ExecContext(ctx, query, jobID.String(), recipeDigest, baseImage, tag, StatusQueued, now)
	if err != nil {
		return nil, fmt.Errorf("insert build job: %w", err)
	}

	return &BuildJob{
		ID:           jobID.String(),
		RecipeDigest: recipeDigest,
		BaseImage:    baseImage,
		Tag:          tag,
		Status:       StatusQueued,
		Phase:        "pending",
		CreatedAt:    time.Unix(now, 0),
	}, nil
}

func StartBuildJob(ctx context.Context, envDB *sql.DB, id string) error {
	return exec(ctx, envDB, id,
		`UPDATE build_jobs SET status = ?, started_at = ? WHERE id = ?`,
		StatusRunning, time.Now().Unix(), id)
}

// UpdateBuildJobPhase records the last phase a running build completed.
func UpdateBuildJobPhase(ctx context.Context, envDB *sql.DB, id, phase string) error {
	return exec(ctx, envDB, id, `UPDATE build_jobs SET phase = ? WHERE id = ?`, phase, id)
}

func CompleteBuildJob(ctx context.Context, envDB *sql.DB, id, imageDigest string) error {
	return exec(ctx, envDB, id,
		`UPDATE build_jobs SET status = ?, image_digest = ?, completed_at = ? WHERE id = ?`,
		StatusSucceeded, imageDigest, time.Now().Unix(), id)
}

// FailBuildJob records a failure. phase is the phase that failed.
func FailBuildJob(ctx context.Context, envDB *sql.DB, id, phase, errorKind, message string) error {
	return exec(ctx, envDB, id,
		`UPDATE build_jobs SET status = ?, phase = ?, error_kind = ?, error = ?, completed_at = ? WHERE id = ?`,
		StatusFailed, phase, errorKind, message, time.Now().Unix(), id)
}

func GetBuildJob(ctx context.Context, envDB *sql.DB, id string) (*BuildJob, error) {
	row := envDB.QueryRowContext(ctx, selectBuildJob+` WHERE id = ?`, id)
	job, err := scanBuildJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBuildJobNotFound, id)
	}
	return job, err
}

// ListBuildJobs returns the most recent jobs first. An empty recipeDigest
// matches every recipe.
func ListBuildJobs(ctx context.Context, envDB *sql.DB, recipeDigest string, limit int) ([]*BuildJob, error) {
	query := selectBuildJob + ` WHERE (? = '' OR recipe_digest = ?) ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := envDB.QueryContext(ctx, query, recipeDigest, recipeDigest, limit)
	if err != nil {
		return nil, fmt.Errorf("list build jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*BuildJob
	for rows.Next() {
		job, err := scanBuildJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const selectBuildJob = `SELECT id, recipe_digest, base_image, tag, status, phase, image_digest,
	error_kind, error, started_at, completed_at, created_at FROM build_jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuildJob(row scanner) (*BuildJob, error) {
	var (
		job                    BuildJob
		imageDigest, errorKind sql.NullString
		errMsg                 sql.NullString
		startedAt, completedAt sql.NullInt64
		createdAt              int64
	)
	err := row.Scan(&job.ID, &job.RecipeDigest, &job.BaseImage, &job.Tag, &job.Status, &job.Phase,
		&imageDigest, &errorKind, &errMsg, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	job.ImageDigest = nullString(imageDigest)
	job.ErrorKind = nullString(errorKind)
	job.Error = nullString(errMsg)
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	v := time.Unix(t.Int64, 0)
	return &v
}

func exec(ctx context.Context, envDB *sql.DB, id, query string, args ...any) error {
	res, err := envDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update build job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrBuildJobNotFound, id)
	}
	return nil
}
