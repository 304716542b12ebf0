package toolchain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

type SlicerConfig struct {
	Command           string
	PrintrbeltCommand string
	Timeout           time.Duration
	// ProfileDir receives translated slicing profiles.
	ProfileDir string
}

type Slicer struct {
	cfg    SlicerConfig
	logger *slog.Logger
	active atomic.Int32
}

func NewSlicer(cfg SlicerConfig, logger *slog.Logger) *Slicer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Slicer{cfg: cfg, logger: logger}
}

// TranslateProfile stores the cloud-supplied INI as the local slicing
// profile and returns its path. Printrbelt printers get their own profile
// name so the belt slicer command can be configured separately.
func (s *Slicer) TranslateProfile(config []byte, printerType string) (string, error) {
	if len(config) == 0 {
		return "", fmt.Errorf("empty slicing config")
	}
	if err := os.MkdirAll(s.cfg.ProfileDir, 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}

	name := "polarcloud.ini"
	if isPrintrbelt(printerType) {
		name = "polarcloud-printrbelt.ini"
	}
	path := filepath.Join(s.cfg.ProfileDir, name)
	if err := os.WriteFile(path, normalizeINI(config), 0o644); err != nil {
		return "", fmt.Errorf("write profile: %w", err)
	}
	return path, nil
}

// Busy reports whether a slice is still running.
func (s *Slicer) Busy() bool {
	return s.active.Load() > 0
}

// Slice runs the slicer on its own goroutine. done receives the gcode path
// or the failure. ctx cancellation kills the slicer process.
func (s *Slicer) Slice(ctx context.Context, input, output, profile, printerType string, done func(gcodePath string, err error)) error {
	tmpl := s.cfg.Command
	if isPrintrbelt(printerType) && s.cfg.PrintrbeltCommand != "" {
		tmpl = s.cfg.PrintrbeltCommand
	}
	args, err := expand(tmpl, map[string]string{
		"input":   input,
		"output":  output,
		"profile": profile,
	})
	if err != nil {
		return err
	}

	s.active.Add(1)
	go func() {
		defer s.active.Add(-1)

		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		start := time.Now()
		s.logger.Info("slicing started", "input", input, "slicer", args[0])
		stderr, err := run(ctx, args)
		if err != nil {
			s.logger.Error("slicing failed", "input", input, "error", err, "stderr", stderr)
			done("", err)
			return
		}
		if info, statErr := os.Stat(output); statErr != nil || info.Size() == 0 {
			err := fmt.Errorf("slicer produced no output at %s", output)
			s.logger.Error("slicing failed", "input", input, "error", err)
			done("", err)
			return
		}
		s.logger.Info("slicing finished", "output", output, "elapsed", time.Since(start).Round(time.Millisecond))
		done(output, nil)
	}()
	return nil
}

func isPrintrbelt(printerType string) bool {
	return strings.Contains(printerType, "Printrbelt")
}

// normalizeINI gives section-less vendor INI files a leading section header
// so ini parsers in the slicer accept them.
func normalizeINI(data []byte) []byte {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		return data
	}
	return append([]byte("[polarcloud]\n"), data...)
}
