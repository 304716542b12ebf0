package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/polarbridge/internal/config"
)

type SettingsHandler struct {
	config *config.Config
}

type SettingsResponse struct {
	Cloud   CloudSettings   `json:"cloud"`
	Printer PrinterSettings `json:"printer"`
	Webcam  WebcamSettings  `json:"webcam"`
	Slicing SlicingSettings `json:"slicing"`
	Server  ServerSettings  `json:"server"`
	Logging LoggingSettings `json:"logging"`
}

type CloudSettings struct {
	Service        string `json:"service"`
	ServiceUI      string `json:"service_ui"`
	ConnectTimeout string `json:"connect_timeout"`
	FastInterval   string `json:"fast_interval"`
	SlowInterval   string `json:"slow_interval"`
	NextPrint      bool   `json:"next_print"`
}

type PrinterSettings struct {
	BaseURL              string `json:"base_url"`
	APIKeySet            bool   `json:"api_key_set"`
	MachineType          string `json:"machine_type"`
	PrinterType          string `json:"printer_type"`
	PollInterval         string `json:"poll_interval"`
	EnableSystemCommands bool   `json:"enable_system_commands"`
}

type WebcamSettings struct {
	Stream       string `json:"stream"`
	Snapshot     string `json:"snapshot"`
	Transform    int    `json:"transform"`
	MaxImageSize int    `json:"max_image_size"`
}

type SlicingSettings struct {
	Command         string `json:"command"`
	Timeout         string `json:"timeout"`
	UploadTimelapse bool   `json:"upload_timelapse"`
}

type ServerSettings struct {
	Port         int    `json:"port"`
	DataDir      string `json:"data_dir"`
	HistoryDays  int    `json:"history_days"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type LoggingSettings struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

// GetSettings reports the effective configuration. The OctoPrint API key is
// reported only as present or absent.
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	cfg := h.config
	c.JSON(http.StatusOK, SettingsResponse{
		Cloud: CloudSettings{
			Service:        cfg.Cloud.Service,
			ServiceUI:      cfg.Cloud.ServiceUI,
			ConnectTimeout: cfg.Cloud.ConnectTimeout.String(),
			FastInterval:   cfg.Cloud.FastInterval.String(),
			SlowInterval:   cfg.Cloud.SlowInterval.String(),
			NextPrint:      cfg.Cloud.NextPrint,
		},
		Printer: PrinterSettings{
			BaseURL:              cfg.Printer.BaseURL,
			APIKeySet:            cfg.Printer.APIKey != "",
			MachineType:          cfg.Printer.MachineType,
			PrinterType:          cfg.Printer.PrinterType,
			PollInterval:         cfg.Printer.PollInterval.String(),
			EnableSystemCommands: cfg.Printer.EnableSystemCommands,
		},
		Webcam: WebcamSettings{
			Stream:       cfg.Webcam.Stream,
			Snapshot:     cfg.Webcam.Snapshot,
			Transform:    cfg.Webcam.TransformMask(),
			MaxImageSize: cfg.Webcam.MaxImageSize,
		},
		Slicing: SlicingSettings{
			Command:         cfg.Slicing.Command,
			Timeout:         cfg.Slicing.Timeout.String(),
			UploadTimelapse: cfg.Slicing.UploadTimelapse,
		},
		Server: ServerSettings{
			Port:         cfg.Server.Port,
			DataDir:      cfg.Storage.DataDir,
			HistoryDays:  cfg.Storage.HistoryDays,
			ReadTimeout:  cfg.Server.ReadTimeout.String(),
			WriteTimeout: cfg.Server.WriteTimeout.String(),
		},
		Logging: LoggingSettings{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
	})
}

func RegisterSettingsRoutes(r *gin.RouterGroup, h *SettingsHandler) {
	r.GET("/settings", h.GetSettings)
}
