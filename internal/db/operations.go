package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SettingsOperations struct {
	db *sql.DB
}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.Encrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

// GetString returns the value of key, or "" when it is unset.
func (o *SettingsOperations) GetString(ctx context.Context, key string) (string, error) {
	s, err := o.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return s.Value, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	_, err := o.db.ExecContext(ctx, SetSetting, key, value, encrypted, value, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	_, err := o.db.ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

type JobOperations struct {
	db *sql.DB
}

func (o *JobOperations) CreateJob(ctx context.Context, j *CloudJob) error {
	if j.State == "" {
		j.State = JobStatePreparing
	}
	result, err := o.db.ExecContext(ctx, InsertJob, j.JobID, j.FileURL, j.ConfigURL, j.FileType, j.State)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job id: %w", err)
	}
	j.ID = id
	return nil
}

func (o *JobOperations) GetLatestJob(ctx context.Context, jobID string) (*CloudJob, error) {
	j, err := scanJob(o.db.QueryRowContext(ctx, GetLatestJobByJobID, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (o *JobOperations) ListJobs(ctx context.Context, limit, offset int) ([]*CloudJob, error) {
	rows, err := o.db.QueryContext(ctx, ListJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CloudJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (o *JobOperations) CountJobs(ctx context.Context) (int64, error) {
	var count int64
	if err := o.db.QueryRowContext(ctx, CountJobs).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func (o *JobOperations) UpdateJobState(ctx context.Context, jobID, state string) error {
	_, err := o.db.ExecContext(ctx, UpdateJobState, state, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return nil
}

func (o *JobOperations) CompleteJob(ctx context.Context, jobID, state string, filamentUsed float64, printSeconds int64) error {
	_, err := o.db.ExecContext(ctx, CompleteJob, state, filamentUsed, printSeconds, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// PruneBefore deletes history rows created before cutoff and reports how
// many were removed.
func (o *JobOperations) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := o.db.ExecContext(ctx, DeleteJobsBefore, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*CloudJob, error) {
	j := &CloudJob{}
	var completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.JobID, &j.FileURL, &j.ConfigURL, &j.FileType, &j.State,
		&j.FilamentUsed, &j.PrintSeconds, &j.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return j, nil
}
