package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orrn/polarbridge/internal/db"
	"github.com/orrn/polarbridge/internal/fetch"
)

var (
	ErrNotRegistered = errors.New("printer is not registered with the cloud")
	ErrNotConnected  = errors.New("not connected to the cloud")
	ErrNoKey         = errors.New("signing key unavailable")
)

// PState is the cloud protocol print state. The wire value is the decimal string.
type PState string

const (
	PStateIdle             PState = "0"
	PStateSerial           PState = "1" // local print
	PStatePreparing        PState = "2" // cloud print being sliced
	PStatePrinting         PState = "3" // cloud print
	PStatePaused           PState = "4"
	PStatePostprocessing   PState = "5"
	PStateCancelling       PState = "6"
	PStateComplete         PState = "7"
	PStateUpdating         PState = "8"
	PStateColdPaused       PState = "9"
	PStateChangingFilament PState = "10"
	PStateTCPIP            PState = "11"
	PStateError            PState = "12"
	PStateOffline          PState = "13"
)

const (
	// NoJobID marks a locally initiated print or no cloud job at all.
	NoJobID = "123"
	// IdleJobID is reported while nothing is printing.
	IdleJobID = "0"

	ProtocolVersion = "2"

	repeatCount = 3
)

type UploadType string

const (
	UploadIdle      UploadType = "idle"
	UploadPrinting  UploadType = "printing"
	UploadTimelapse UploadType = "timelapse"
)

// UploadLease is a cloud-issued upload target.
type UploadLease struct {
	Type    UploadType
	URL     string
	Fields  map[string]string
	MaxSize int64
	Expires time.Time
	JobID   string
}

// Valid reports whether the lease can be used for an upload of the current job.
func (l *UploadLease) Valid(now time.Time, currentJobID string) bool {
	if l == nil || !now.Before(l.Expires) {
		return false
	}
	return l.Type == UploadIdle || l.JobID == currentJobID
}

type Temperature struct {
	Actual float64
	Target float64
}

// JobData is the host's view of the running job. Nil fields were not reported.
type JobData struct {
	StateText          string
	FileName           string
	FileSize           *int64
	Completion         *float64
	EstimatedPrintTime *float64
	PrintTime          *float64
	FilePos            *int64
	// FilamentLength is the sum over every tool.
	FilamentLength float64
}

type SystemCommand struct {
	Source  string
	Action  string
	Name    string
	Confirm string
}

// Printer is the host print-control surface.
type Printer interface {
	IsPrinting() bool
	IsPaused() bool
	IsClosedOrError() bool
	IsError() bool
	StateID() string
	Temperatures() map[string]Temperature
	CurrentData() JobData

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error
	SetTemperature(ctx context.Context, heater string, value float64) error
	Commands(ctx context.Context, commands []string) error
	// SelectFile loads a file for printing. Local paths are on this machine's
	// disk; sd paths name a file on the printer's own storage.
	SelectFile(ctx context.Context, path string, sd, print bool) error
	// AddSDFile copies a local file onto the printer's storage and returns its sd path.
	AddSDFile(ctx context.Context, localPath string) (string, error)
}

// HostAPI covers the host features outside print control.
type HostAPI interface {
	SystemCommands(ctx context.Context) ([]SystemCommand, error)
	RunSystemCommand(ctx context.Context, sourceAndAction string) error
	Jog(ctx context.Context, endpoint string, body json.RawMessage) error
}

type Updater interface {
	Versions(ctx context.Context) (running, latest string, err error)
	PerformUpdate(ctx context.Context) error
}

type Signer interface {
	Ensure(forceRegen bool) error
	EnsureWithRetry() error
	Loaded() bool
	Sign(challenge []byte) (string, error)
	PublicKeyPEM() (string, error)
}

type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
	GetWithTimeout(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
	PostMultipart(ctx context.Context, url string, fields map[string]string, file fetch.File) error
}

type FileStore interface {
	AddFolder(name string) (string, error)
	JoinPath(elem ...string) string
	AddFile(path string, data []byte) error
	PathOnDisk(path string) string
}

type Slicer interface {
	Busy() bool
	TranslateProfile(config []byte, printerType string) (string, error)
	Slice(ctx context.Context, input, output, profile, printerType string, done func(gcodePath string, err error)) error
}

type TimelapseRenderer interface {
	Transcode(ctx context.Context, movie string, done func(path string))
}

// Socket is one cloud connection. A Socket is not reused after it disconnects.
type Socket interface {
	On(event string, h func(payload json.RawMessage))
	OnDisconnect(fn func())
	Connect(ctx context.Context) error
	Emit(event string, payload any) error
	Close() error
}

type SocketFactory func() Socket

type SettingsStore interface {
	GetString(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string, encrypted bool) error
}

type JobHistory interface {
	CreateJob(ctx context.Context, j *db.CloudJob) error
	UpdateJobState(ctx context.Context, jobID, state string) error
	CompleteJob(ctx context.Context, jobID, state string, filamentUsed float64, printSeconds int64) error
}

// Outcome is a registration or unregistration result shown to the user.
type Outcome struct {
	Event  string    `json:"event"`
	Serial string    `json:"serial,omitempty"`
	Email  string    `json:"email,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

const (
	OutcomeRegistered       = "registration_success"
	OutcomeRegisterFailed   = "registration_failed"
	OutcomeUnregistered     = "unregistration_success"
	OutcomeUnregisterFailed = "unregistration_failed"
)

type Notifier interface {
	Notify(o Outcome)
}
