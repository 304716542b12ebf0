package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/polarbridge/internal/db"
)

const (
	printFolder     = "polarcloud"
	printBaseName   = "current-print"
	downloadTimeout = 2 * time.Minute
)

type printMessage struct {
	SerialNumber string  `json:"serialNumber"`
	JobID        *string `json:"jobId"`
	StlFile      string  `json:"stlFile"`
	GcodeFile    string  `json:"gcodeFile"`
	ThreemfFile  string  `json:"threemfFile"`
	ConfigFile   string  `json:"configFile"`
}

// printRequest is a validated print command: exactly one model reference.
type printRequest struct {
	jobID     string
	kind      string
	ext       string
	file      string
	configURL string
}

func (m printMessage) request() (printRequest, error) {
	req := printRequest{jobID: NoJobID, configURL: m.ConfigFile}
	if m.JobID != nil && *m.JobID != "" {
		req.jobID = *m.JobID
	}
	switch {
	case m.ThreemfFile != "":
		req.kind, req.ext, req.file = "3mf", ".3mf", m.ThreemfFile
	case m.GcodeFile != "":
		req.kind, req.ext, req.file = "gcode", ".gcode", m.GcodeFile
	case m.StlFile != "":
		req.kind, req.ext, req.file = "stl", ".stl", m.StlFile
		if m.ConfigFile == "" {
			return req, fmt.Errorf("stl print without slicing profile")
		}
	default:
		return req, fmt.Errorf("print command without a print file")
	}
	return req, nil
}

func (s *Session) onPrint(ctx context.Context, payload json.RawMessage) {
	var msg printMessage
	if !s.decodePacket("print", payload, &msg) {
		return
	}
	if s.slicer != nil && s.slicer.Busy() {
		s.logger.Warn("print command received while still slicing")
		return
	}
	if s.printer.IsPrinting() || s.printer.IsPaused() {
		s.logger.Warn("print command received, but the host is already printing")
		return
	}
	req, err := msg.request()
	if err != nil {
		s.logger.Warn("rejecting print command", "error", err)
		return
	}
	if err := s.acceptPrint(ctx, req); err != nil {
		s.logger.Error("unable to start cloud print", "job_id", req.jobID, "error", err)
	}
}

// acceptPrint downloads and stages a print. Nothing about the cloud print
// state changes until every download has succeeded.
func (s *Session) acceptPrint(ctx context.Context, req printRequest) error {
	if s.fetch == nil || s.files == nil {
		return fmt.Errorf("no file transfer configured")
	}

	profile := ""
	info := map[string]string{"file": req.file}
	if req.kind == "stl" {
		if s.slicer == nil {
			return fmt.Errorf("no slicer configured")
		}
		info["config"] = req.configURL
		config, err := s.fetch.GetWithTimeout(ctx, req.configURL, downloadTimeout)
		if err != nil {
			return fmt.Errorf("retrieve slicer config: %w", err)
		}
		s.mu.Lock()
		printerType := s.printerType
		s.mu.Unlock()
		profile, err = s.slicer.TranslateProfile(config, printerType)
		if err != nil {
			return fmt.Errorf("create slicing profile: %w", err)
		}
	}

	model, err := s.fetch.GetWithTimeout(ctx, req.file, downloadTimeout)
	if err != nil {
		return fmt.Errorf("retrieve print file: %w", err)
	}

	folder, err := s.files.AddFolder(printFolder)
	if err != nil {
		return fmt.Errorf("create print folder: %w", err)
	}
	base := s.files.JoinPath(folder, printBaseName)
	path := base + req.ext
	s.logger.Debug("storing cloud download", "path", path, "job_id", req.jobID)
	if err := s.files.AddFile(path, model); err != nil {
		return fmt.Errorf("store print file: %w", err)
	}

	if s.printer.IsClosedOrError() {
		s.reconnectPrinter(ctx)
	}

	s.mu.Lock()
	s.cloudPrint = true
	s.jobPending = true
	s.jobID = req.jobID
	s.pstateCounter = 0
	s.pstate = PStatePreparing
	s.cloudPrintInfo = info
	s.mu.Unlock()
	s.RequestStatus()
	s.recordJobStart(ctx, req)

	local := s.files.PathOnDisk(path)
	switch req.kind {
	case "3mf":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.printFromStorage(s.context(), local)
		}()
	case "stl":
		s.startSlicing(local, s.files.PathOnDisk(base+".gcode"), profile)
	default:
		s.onSlicingComplete(ctx, local)
	}
	return nil
}

// printFromStorage copies the file onto the printer's own storage and
// starts it there.
func (s *Session) printFromStorage(ctx context.Context, local string) {
	sdPath, err := s.printer.AddSDFile(ctx, local)
	if err != nil {
		s.logger.Error("upload to printer storage failed", "path", local, "error", err)
		s.failPrint()
		return
	}
	if err := s.printer.SelectFile(ctx, sdPath, true, true); err != nil {
		s.logger.Error("select on printer storage failed", "path", sdPath, "error", err)
		s.failPrint()
	}
}

func (s *Session) startSlicing(input, output, profile string) {
	ctx, cancel := context.WithCancel(s.context())
	s.mu.Lock()
	s.sliceCancel = cancel
	printerType := s.printerType
	s.mu.Unlock()

	err := s.slicer.Slice(ctx, input, output, profile, printerType, func(gcode string, err error) {
		s.mu.Lock()
		s.sliceCancel = nil
		s.mu.Unlock()
		cancel()
		s.onSliceDone(gcode, err)
	})
	if err != nil {
		cancel()
		s.mu.Lock()
		s.sliceCancel = nil
		s.mu.Unlock()
		s.onSliceDone("", err)
	}
}

func (s *Session) onSliceDone(gcode string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Info("slicing cancelled")
		s.HandleEvent(Event{Type: EventSlicingCancelled})
	case err != nil:
		s.logger.Error("unable to slice", "error", err)
		s.failPrint()
	default:
		s.onSlicingComplete(s.context(), gcode)
	}
}

// failPrint puts the cloud print into Error for a few status cycles.
func (s *Session) failPrint() {
	s.mu.Lock()
	s.pstate = PStateError
	s.pstateCounter = repeatCount
	jobID := s.jobID
	s.mu.Unlock()
	s.recordJobState(jobID, db.JobStateFailed)
	s.RequestStatus()
}

func (s *Session) onSlicingComplete(ctx context.Context, gcode string) {
	s.mu.Lock()
	s.pstate = PStatePrinting
	jobID := s.jobID
	s.mu.Unlock()

	if err := s.printer.SelectFile(ctx, gcode, false, true); err != nil {
		s.logger.Error("unable to start print", "path", gcode, "error", err)
	}
	s.recordJobState(jobID, db.JobStatePrinting)
	s.setFastInterval()
	s.RequestStatus()
}

// cancelSlicing stops a running slice. It reports whether one was running.
func (s *Session) cancelSlicing() bool {
	s.mu.Lock()
	cancel := s.sliceCancel
	s.sliceCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (s *Session) recordJobStart(ctx context.Context, req printRequest) {
	if s.jobs == nil || req.jobID == NoJobID {
		return
	}
	job := &db.CloudJob{
		JobID:     req.jobID,
		FileURL:   req.file,
		ConfigURL: req.configURL,
		FileType:  req.kind,
		State:     db.JobStatePreparing,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.logger.Warn("failed to record cloud job", "job_id", req.jobID, "error", err)
	}
}

func (s *Session) recordJobState(jobID, state string) {
	if s.jobs == nil || jobID == NoJobID {
		return
	}
	if err := s.jobs.UpdateJobState(s.context(), jobID, state); err != nil {
		s.logger.Warn("failed to update cloud job", "job_id", jobID, "error", err)
	}
}
