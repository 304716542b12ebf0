package core

import (
	"fmt"
	"strconv"
	"time"
)

// stateTable maps the host's printer state id to the default cloud state.
var stateTable = map[string]PState{
	"OPEN_SERIAL":       PStateError,
	"DETECT_SERIAL":     PStateError,
	"DETECT_BAUDRATE":   PStateError,
	"CONNECTING":        PStateError,
	"OPERATIONAL":       PStateIdle,
	"PRINTING":          PStateSerial,
	"PAUSED":            PStatePaused,
	"CLOSED":            PStateError,
	"ERROR":             PStateError,
	"CLOSED_WITH_ERROR": PStateError,
	"TRANSFERING_FILE":  PStateSerial,
	"OFFLINE":           PStateOffline,
	"UNKNOWN":           PStateError,
	"NONE":              PStateError,
	"FINISHING":         PStatePostprocessing,
}

// Status is the payload of the "status" message.
type Status struct {
	SerialNumber   string   `json:"serialNumber"`
	Status         PState   `json:"status"`
	JobID          string   `json:"jobId"`
	Protocol       string   `json:"protocol"`
	Progress       string   `json:"progress"`
	ProgressDetail string   `json:"progressDetail"`
	EstimatedTime  string   `json:"estimatedTime"`
	FilamentUsed   string   `json:"filamentUsed"`
	StartTime      string   `json:"startTime"`
	PrintSeconds   string   `json:"printSeconds"`
	BytesRead      string   `json:"bytesRead"`
	FileSize       string   `json:"fileSize"`
	File           string   `json:"file"`
	Config         string   `json:"config"`
	SliceDetails   string   `json:"sliceDetails"`
	SecurityCode   string   `json:"securityCode"`
	Tool0          *float64 `json:"tool0,omitempty"`
	TargetTool0    *float64 `json:"targetTool0,omitempty"`
	Tool1          *float64 `json:"tool1,omitempty"`
	TargetTool1    *float64 `json:"targetTool1,omitempty"`
	Bed            *float64 `json:"bed,omitempty"`
	TargetBed      *float64 `json:"targetBed,omitempty"`
}

// ComputeCloudState resolves the cloud state for the host state stateID,
// reconciling it with the state of an active cloud print.
func (s *Session) ComputeCloudState(stateID string) PState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cloudPrint {
		if s.pstateCounter > 0 {
			if s.nextPending && s.pstate == PStateComplete {
				s.nextPending = false
				s.tasks.Enqueue(s.sendNextPrint)
			}
			// Terminal states are repeated for a few cycles.
			s.pstateCounter--
			pstate := s.pstate
			if s.pstateCounter == 0 {
				if s.pstate == PStatePostprocessing {
					s.pstate = PStateComplete
					s.pstateCounter = repeatCount
				} else {
					s.cloudPrint = false
					s.jobID = NoJobID
					s.cloudPrintInfo = nil
				}
			}
			return pstate
		}
		if s.pstate == PStatePostprocessing {
			return s.pstate
		}
	}

	state, ok := stateTable[stateID]
	if !ok {
		s.logger.Warn("unknown host printer state, reporting error", "state", stateID)
		state = PStateError
	}

	if state == PStateSerial {
		// A job message is owed once this print stops.
		s.jobPending = true
	}

	if s.cloudPrint {
		if state == PStateIdle && s.pstate == PStatePreparing {
			// host is idle while we slice
			return s.pstate
		}
		if state == PStateSerial {
			return PStatePrinting
		}
		if state != PStatePaused && state != PStatePostprocessing {
			s.cloudPrint = false
			s.jobID = NoJobID
			s.cloudPrintInfo = nil
		}
	}
	return state
}

// currentJobID is the job id reported to the cloud: the tracked job while
// printing or paused, otherwise IdleJobID.
func (s *Session) currentJobID() string {
	if !s.printer.IsPrinting() && !s.printer.IsPaused() {
		return IdleJobID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// BuildStatus assembles the status payload. targetSet reports whether any
// heater is targeted or still hot.
func (s *Session) BuildStatus() (*Status, bool) {
	temps := s.printer.Temperatures()
	pstate := s.ComputeCloudState(s.printer.StateID())

	status := &Status{
		SerialNumber:  s.Serial(),
		Status:        pstate,
		JobID:         s.currentJobID(),
		Protocol:      ProtocolVersion,
		EstimatedTime: "0",
		FilamentUsed:  "0",
		StartTime:     "0",
		PrintSeconds:  "0",
		BytesRead:     "0",
		FileSize:      "0",
	}

	threshold := s.opts.Cloud.SetTempThreshold
	targetSet := false
	heater := func(name string, always bool) (*float64, *float64) {
		t, ok := temps[name]
		if !ok || (!always && t.Actual == -1 && t.Target == 0) {
			return nil, nil
		}
		if t.Target > 0 || t.Actual > threshold {
			targetSet = true
		}
		actual, target := t.Actual, t.Target
		return &actual, &target
	}
	status.Tool0, status.TargetTool0 = heater("tool0", true)
	status.Tool1, status.TargetTool1 = heater("tool1", false)
	status.Bed, status.TargetBed = heater("bed", false)

	if s.printer.IsPrinting() || s.printer.IsPaused() {
		data := s.printer.CurrentData()
		completion := 0.0
		if data.Completion != nil {
			completion = *data.Completion
		}
		status.Progress = data.StateText
		status.ProgressDetail = fmt.Sprintf("Printing Job: %s Percent Complete: %0.1f%%", data.FileName, completion)
		status.EstimatedTime = formatFloatPtr(data.EstimatedPrintTime)
		status.FilamentUsed = formatFloat(data.FilamentLength)
		status.PrintSeconds = formatFloatPtr(data.PrintTime)
		if data.PrintTime != nil {
			start := s.now().Add(-time.Duration(*data.PrintTime) * time.Second)
			status.StartTime = start.Format("2006-01-02T15:04:05")
		}
		status.BytesRead = formatIntPtr(data.FilePos)
		status.FileSize = formatIntPtr(data.FileSize)
	}

	return status, targetSet
}

func (s *Session) setLastStatus(status *Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// LastStatus returns a copy of the most recently emitted status.
func (s *Session) LastStatus() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return nil
	}
	cp := *s.status
	return &cp
}

type jobMessage struct {
	SerialNumber string  `json:"serialNumber"`
	JobID        string  `json:"jobId"`
	State        string  `json:"state"`
	FilamentUsed *string `json:"filamentUsed,omitempty"`
	PrintSeconds *string `json:"printSeconds,omitempty"`
}

// EmitJob reports the terminal state of jobID with the statistics of the
// last status. It clears the job-pending flag and asks for a fresh status.
// Nothing is sent while the host is still printing or paused.
func (s *Session) EmitJob(jobID, state string) {
	if s.printer.IsPrinting() || s.printer.IsPaused() {
		s.logger.Debug("job message deferred, host still printing", "job_id", jobID, "state", state)
		return
	}

	s.mu.Lock()
	s.jobPending = false
	serial := s.serial
	msg := jobMessage{SerialNumber: serial, JobID: jobID, State: state}
	var filament, seconds string
	if s.status != nil {
		filament, seconds = s.status.FilamentUsed, s.status.PrintSeconds
		msg.FilamentUsed = &filament
		msg.PrintSeconds = &seconds
	}
	s.mu.Unlock()

	if serial != "" && jobID != NoJobID {
		s.logger.Info("job finished", "job_id", jobID, "state", state)
		s.emit("job", msg)
		s.recordJobEnd(jobID, state, filament, seconds)
	}
	s.RequestStatus()
}

// emitJobIfPending is EmitJob guarded by the pending flag, so a terminal
// transition produces at most one job message.
func (s *Session) emitJobIfPending(state string) {
	s.mu.Lock()
	pending := s.jobPending
	jobID := s.jobID
	s.mu.Unlock()
	if !pending {
		return
	}
	s.EmitJob(jobID, state)
}

func (s *Session) recordJobEnd(jobID, state, filament, seconds string) {
	if s.jobs == nil {
		return
	}
	f, _ := strconv.ParseFloat(filament, 64)
	sec, _ := strconv.ParseFloat(seconds, 64)
	if err := s.jobs.CompleteJob(s.context(), jobID, state, f, int64(sec)); err != nil {
		s.logger.Warn("failed to record job completion", "job_id", jobID, "error", err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatIntPtr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
