package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

const (
	modelURL  = "https://cloud.example/files/model.stl"
	configURL = "https://cloud.example/files/profile.ini"
)

func TestSTLPrint(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodies[modelURL] = []byte("solid model")
	h.fetch.bodies[configURL] = []byte("layerThickness=200")

	h.sock.deliver(t, "print", h.cmd(map[string]any{
		"jobId":      "42",
		"stlFile":    modelURL,
		"configFile": configURL,
	}))

	snap := h.s.Snapshot()
	if !snap.CloudPrint || snap.JobID != "42" || snap.PState != PStatePreparing {
		t.Fatalf("after print: %+v", snap)
	}
	if string(h.files.files["polarcloud/current-print.stl"]) != "solid model" {
		t.Errorf("model not stored: %v", h.files.files)
	}
	if string(h.slicer.profile) != "layerThickness=200" {
		t.Errorf("profile = %q", h.slicer.profile)
	}
	if h.slicer.input != "/data/files/polarcloud/current-print.stl" || h.slicer.output != "/data/files/polarcloud/current-print.gcode" {
		t.Errorf("slice %s -> %s", h.slicer.input, h.slicer.output)
	}
	if job := h.jobs.jobs["42"]; job == nil || job.FileType != "stl" || job.ConfigURL != configURL {
		t.Errorf("job record = %+v", job)
	}

	// the host stays idle while slicing
	if got := h.s.ComputeCloudState("OPERATIONAL"); got != PStatePreparing {
		t.Errorf("while slicing = %s, want %s", got, PStatePreparing)
	}

	h.slicer.done(h.slicer.output, nil)
	if len(h.printer.selected) != 1 || h.printer.selected[0] != "/data/files/polarcloud/current-print.gcode sd=false print=true" {
		t.Fatalf("selected = %v", h.printer.selected)
	}
	if h.s.Snapshot().PState != PStatePrinting {
		t.Errorf("pstate after slicing = %s", h.s.Snapshot().PState)
	}

	h.printer.set("PRINTING", true, false)
	h.s.HandleEvent(Event{Type: EventPrintStarted})
	if got := h.s.ComputeCloudState("PRINTING"); got != PStatePrinting {
		t.Errorf("printing = %s, want %s", got, PStatePrinting)
	}
	status, _ := h.s.BuildStatus()
	if status.JobID != "42" {
		t.Errorf("status jobId = %s, want 42", status.JobID)
	}
	h.s.setLastStatus(status)

	h.printer.set("OPERATIONAL", false, false)
	h.s.HandleEvent(Event{Type: EventPrintDone})
	h.s.drainTasks()

	jobs := h.sock.sent("job")
	if len(jobs) != 1 {
		t.Fatalf("job messages = %d, want 1", len(jobs))
	}
	if msg := decode(t, jobs[0]); msg["jobId"] != "42" || msg["state"] != "completed" {
		t.Errorf("job = %v", msg)
	}
	if got := h.s.ComputeCloudState("OPERATIONAL"); got != PStatePostprocessing {
		t.Errorf("after done = %s, want %s", got, PStatePostprocessing)
	}
}

func TestSTLPrintRequiresConfig(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodies[modelURL] = []byte("solid model")
	h.sock.deliver(t, "print", h.cmd(map[string]any{"jobId": "42", "stlFile": modelURL}))

	if snap := h.s.Snapshot(); snap.CloudPrint || snap.PState != PStateIdle {
		t.Errorf("state changed: %+v", snap)
	}
	if len(h.files.files) != 0 {
		t.Error("file stored for a rejected print")
	}
}

func TestPrintFetchFailureLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodies[configURL] = []byte("x=1")
	h.sock.deliver(t, "print", h.cmd(map[string]any{
		"jobId":      "42",
		"stlFile":    modelURL,
		"configFile": configURL,
	}))

	if snap := h.s.Snapshot(); snap.CloudPrint || snap.JobID != NoJobID {
		t.Errorf("state changed after failed download: %+v", snap)
	}
	if h.slicer.done != nil {
		t.Error("slicing started after failed download")
	}
}

func TestPrintRejectedWhileBusy(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"printing", func(h *harness) { h.printer.set("PRINTING", true, false) }},
		{"paused", func(h *harness) { h.printer.set("PAUSED", false, true) }},
		{"slicing", func(h *harness) { h.slicer.busy = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fetch.bodies[modelURL] = []byte("G1")
			tt.setup(h)
			h.sock.deliver(t, "print", h.cmd(map[string]any{"jobId": "42", "gcodeFile": modelURL}))
			if h.s.Snapshot().CloudPrint {
				t.Error("print accepted")
			}
		})
	}
}

func TestGcodePrintSelectsImmediately(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodies[modelURL] = []byte("G28")
	h.printer.closedOrError = true
	h.sock.deliver(t, "print", h.cmd(map[string]any{"jobId": "7", "gcodeFile": modelURL}))

	if !h.printer.called("connect") {
		t.Error("closed printer not reconnected before printing")
	}
	if len(h.printer.selected) != 1 || h.printer.selected[0] != "/data/files/polarcloud/current-print.gcode sd=false print=true" {
		t.Errorf("selected = %v", h.printer.selected)
	}
	if h.s.Snapshot().PState != PStatePrinting {
		t.Errorf("pstate = %s", h.s.Snapshot().PState)
	}
}

func TestThreeMFPrintUsesPrinterStorage(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodies[modelURL] = []byte("3mf")
	h.sock.deliver(t, "print", h.cmd(map[string]any{"jobId": "9", "threemfFile": modelURL}))
	h.s.wg.Wait()

	if !h.printer.called("addsd") {
		t.Fatal("3mf not copied to printer storage")
	}
	if len(h.printer.selected) != 1 || h.printer.selected[0] != "current-print.3mf sd=true print=true" {
		t.Errorf("selected = %v", h.printer.selected)
	}
}

func TestSliceFailureReportsError(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodies[modelURL] = []byte("solid")
	h.fetch.bodies[configURL] = []byte("x=1")
	h.sock.deliver(t, "print", h.cmd(map[string]any{"jobId": "42", "stlFile": modelURL, "configFile": configURL}))

	h.slicer.done("", fmt.Errorf("slicer exploded"))

	for i := 0; i < repeatCount; i++ {
		if got := h.s.ComputeCloudState("OPERATIONAL"); got != PStateError {
			t.Fatalf("cycle %d = %s, want %s", i, got, PStateError)
		}
	}
	if got := h.s.ComputeCloudState("OPERATIONAL"); got != PStateIdle {
		t.Errorf("after error repeats = %s", got)
	}
	if len(h.jobs.states) == 0 || h.jobs.states[len(h.jobs.states)-1] != "42:failed" {
		t.Errorf("job states = %v", h.jobs.states)
	}
}

func TestSliceCancelledByCloud(t *testing.T) {
	h := newHarness(t)
	h.fetch.bodies[modelURL] = []byte("solid")
	h.fetch.bodies[configURL] = []byte("x=1")
	h.sock.deliver(t, "print", h.cmd(map[string]any{"jobId": "42", "stlFile": modelURL, "configFile": configURL}))

	h.sock.deliver(t, "cancel", h.cmd(map[string]any{}))
	if !errors.Is(h.slicer.ctx.Err(), context.Canceled) {
		t.Fatal("slice context not cancelled")
	}
	h.slicer.done("", fmt.Errorf("prusa-slicer: %w", context.Canceled))

	if got := h.s.Snapshot().PState; got != PStateCancelling {
		t.Errorf("pstate = %s, want %s", got, PStateCancelling)
	}
	h.s.drainTasks()
	jobs := h.sock.sent("job")
	if len(jobs) != 1 || decode(t, jobs[0])["state"] != "canceled" {
		t.Errorf("job messages = %v", jobs)
	}
}
