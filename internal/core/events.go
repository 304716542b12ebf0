package core

import (
	"strconv"

	"github.com/orrn/polarbridge/internal/db"
)

type EventType string

const (
	EventPrintStarted        EventType = "PrintStarted"
	EventPrintResumed        EventType = "PrintResumed"
	EventPrintPaused         EventType = "PrintPaused"
	EventPrintCancelled      EventType = "PrintCancelled"
	EventPrintFailed         EventType = "PrintFailed"
	EventPrintDone           EventType = "PrintDone"
	EventSlicingCancelled    EventType = "SlicingCancelled"
	EventSlicingFailed       EventType = "SlicingFailed"
	EventError               EventType = "Error"
	EventMovieRendering      EventType = "MovieRendering"
	EventPostrollStart       EventType = "PostRollStart"
	EventMovieFailed         EventType = "MovieFailed"
	EventMovieDone           EventType = "MovieDone"
	EventPrinterStateChanged EventType = "PrinterStateChanged"
	EventSettingsUpdated     EventType = "SettingsUpdated"
	EventShutdown            EventType = "Shutdown"
)

// Event is a host event. PrintTime is set for print and slicing endings,
// Movie for MovieDone.
type Event struct {
	Type      EventType
	PrintTime *float64
	Movie     string
}

// HandleEvent folds a host event into the cloud print state.
func (s *Session) HandleEvent(ev Event) {
	s.logger.Debug("host event", "event", ev.Type)

	switch ev.Type {
	case EventPrintCancelled, EventPrintFailed:
		s.mu.Lock()
		s.pstate = PStateCancelling
		if s.cloudPrint {
			s.pstateCounter = repeatCount
		}
		jobID := s.jobID
		s.mu.Unlock()
		s.recordJobState(jobID, db.JobStateCanceled)

	case EventPrintStarted, EventPrintResumed:
		s.mu.Lock()
		s.pstate = PStatePrinting
		s.mu.Unlock()
		s.setFastInterval()

	case EventError:
		s.mu.Lock()
		s.pstate = PStateError
		s.mu.Unlock()

	case EventPrintPaused:
		s.mu.Lock()
		s.pstate = PStatePaused
		s.mu.Unlock()

	case EventPrintDone:
		s.mu.Lock()
		s.pstate = PStateComplete
		if s.cloudPrint {
			s.pstate = PStatePostprocessing
			s.pstateCounter = repeatCount
			s.nextPending = true
		}
		s.patchPrintSeconds(ev.PrintTime)
		s.mu.Unlock()
		s.tasks.Enqueue(func() { s.emitJobIfPending(db.JobStateCompleted) })

	case EventSlicingCancelled, EventSlicingFailed:
		s.mu.Lock()
		s.pstate = PStateCancelling
		s.pstateCounter = repeatCount
		s.patchPrintSeconds(ev.PrintTime)
		s.mu.Unlock()

	case EventSettingsUpdated:
		s.RequestStatus()
		return

	case EventMovieRendering, EventPostrollStart:
		s.mu.Lock()
		if s.cloudPrint {
			s.pstate = PStatePostprocessing
			s.pstateCounter = 0
		}
		s.mu.Unlock()
		s.RequestStatus()
		return

	case EventMovieFailed:
		s.mu.Lock()
		s.pstate = PStateIdle
		if s.cloudPrint {
			s.pstate = PStateComplete
			s.pstateCounter = repeatCount
		}
		s.mu.Unlock()
		s.RequestStatus()
		return

	case EventMovieDone:
		s.mu.Lock()
		upload := s.cloudPrint && s.opts.Slicing.UploadTimelapse && s.timelapse != nil && ev.Movie != ""
		if upload {
			s.pstate = PStatePostprocessing
		} else {
			s.pstate = PStateComplete
			s.pstateCounter = repeatCount
		}
		s.mu.Unlock()
		if upload {
			s.tasks.Enqueue(func() { s.EnsureUploadURL(UploadTimelapse) })
			s.timelapse.Transcode(s.context(), ev.Movie, func(path string) {
				s.tasks.Enqueue(func() { s.UploadTimelapse(s.context(), path) })
			})
		}

	case EventShutdown:
		s.stopped.Store(true)
		s.tasks.Notify()
		return

	case EventPrinterStateChanged:
		s.RequestStatus()
		return

	default:
		return
	}

	s.RequestStatus()
	s.mu.Lock()
	owed := s.jobPending && s.pstate != PStatePreparing
	s.mu.Unlock()
	if owed && !s.printer.IsPrinting() && !s.printer.IsPaused() {
		s.logger.Debug("emitting job due to event", "event", ev.Type)
		s.tasks.Enqueue(func() { s.emitJobIfPending(db.JobStateCanceled) })
	}
}

// patchPrintSeconds overwrites the print time of the last status. Callers
// hold s.mu.
func (s *Session) patchPrintSeconds(printTime *float64) {
	if s.status == nil || printTime == nil {
		return
	}
	s.status.PrintSeconds = strconv.FormatFloat(*printTime, 'f', -1, 64)
}

// UpdateSettings applies a local change of machine or printer type. A new
// printer type is announced with a fresh hello, which needs a fresh
// challenge once the first hello went out, so the connection is cycled.
func (s *Session) UpdateSettings(machineType, printerType string) {
	s.mu.Lock()
	changed := printerType != "" && printerType != s.printerType
	if machineType != "" {
		s.machineType = machineType
	}
	if printerType != "" {
		s.printerType = printerType
	}
	s.mu.Unlock()

	if changed {
		if s.helloSent.Load() {
			s.disconnectOnRegister.Store(true)
			s.closeSocket()
		} else {
			s.tasks.Enqueue(s.hello)
		}
	}
	s.HandleEvent(Event{Type: EventSettingsUpdated})
}
