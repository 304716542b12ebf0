package db

const (
	GetSetting = `SELECT value, encrypted FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = ?, encrypted = ?, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)

const (
	InsertJob = `
		INSERT INTO cloud_jobs (job_id, file_url, config_url, file_type, state)
		VALUES (?, ?, ?, ?, ?)
	`

	GetLatestJobByJobID = `
		SELECT id, job_id, file_url, config_url, file_type, state, filament_used, print_seconds, created_at, completed_at
		FROM cloud_jobs WHERE job_id = ? ORDER BY id DESC LIMIT 1
	`

	ListJobs = `
		SELECT id, job_id, file_url, config_url, file_type, state, filament_used, print_seconds, created_at, completed_at
		FROM cloud_jobs ORDER BY id DESC LIMIT ? OFFSET ?
	`

	CountJobs = `SELECT COUNT(*) FROM cloud_jobs`

	UpdateJobState = `
		UPDATE cloud_jobs SET state = ?
		WHERE id = (SELECT id FROM cloud_jobs WHERE job_id = ? ORDER BY id DESC LIMIT 1)
	`

	CompleteJob = `
		UPDATE cloud_jobs SET state = ?, filament_used = ?, print_seconds = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = (SELECT id FROM cloud_jobs WHERE job_id = ? ORDER BY id DESC LIMIT 1)
	`

	DeleteJobsBefore = `DELETE FROM cloud_jobs WHERE created_at < ?`
)
