package db

import (
	"time"
)

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CloudJob is one print job issued by the cloud, as accepted by this agent.
type CloudJob struct {
	ID           int64      `json:"id"`
	JobID        string     `json:"job_id"`
	FileURL      string     `json:"file_url"`
	ConfigURL    string     `json:"config_url,omitempty"`
	FileType     string     `json:"file_type"`
	State        string     `json:"state"`
	FilamentUsed float64    `json:"filament_used"`
	PrintSeconds int64      `json:"print_seconds"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

const (
	JobStatePreparing = "preparing"
	JobStatePrinting  = "printing"
	JobStateCompleted = "completed"
	JobStateCanceled  = "canceled"
	JobStateFailed    = "failed"
)

const (
	SettingSerial      = "serial"
	SettingEmail       = "email"
	SettingPin         = "pin"
	SettingMachineType = "machine_type"
	SettingPrinterType = "printer_type"
)
