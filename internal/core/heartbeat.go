package core

import (
	"context"
	"time"
)

const versionCheckInterval = 24 * time.Hour

// heartbeat owns the connection for the life of the session: connect, wait
// for hello, then report status until the socket drops, then reconnect.
func (s *Session) heartbeat(ctx context.Context) {
	s.logger.Debug("heartbeat started")
	defer s.logger.Debug("heartbeat stopped")

	nextVersionCheck := s.now()
	s.createSocket(ctx)

	for !s.stopping(ctx) {
		if s.currentSocket() != nil {
			s.waitAndProcess(ctx, 10*s.slice, false)
		} else {
			delay := s.backoff()
			s.logger.Warn("unable to create socket to cloud, retrying", "delay", delay.Round(time.Millisecond))
			if !s.sleep(ctx, delay) {
				return
			}
			s.createSocket(ctx)
		}

		if !s.helloSent.Load() {
			continue
		}

		s.statusNow.Store(false)
		s.waitAndProcess(ctx, 5*s.slice, true)
		if s.currentSocket() != nil {
			s.EnsureUploadURL(UploadIdle)
			s.pushCustomCommandList(ctx)
			s.sendCapabilities()
		}

		statusSent := 0
		skipSnapshot := false
		for s.connected.Load() && !s.stopping(ctx) {
			status, targetSet := s.BuildStatus()
			s.setLastStatus(status)
			if err := s.emit("status", status); err == nil {
				statusSent++
			}

			if s.now().After(nextVersionCheck) {
				s.checkVersions(ctx)
				nextVersionCheck = s.now().Add(versionCheckInterval)
			}

			interval := s.adjustInterval(targetSet)
			if s.waitAndProcess(ctx, interval, false) {
				if s.printer.IsClosedOrError() && !s.printer.IsError() {
					if skipSnapshot {
						skipSnapshot = false
						continue
					}
					skipSnapshot = true
				} else {
					skipSnapshot = false
				}
				s.UploadSnapshot(ctx)
			}
		}
		if s.stopping(ctx) {
			return
		}

		s.logger.Info("socket disconnected, clear and restart", "statuses_sent", statusSent)
		s.dropSocket()
		expected := s.disconnectOnRegister.Swap(false) || s.disconnectOnUnregister.Load()
		if statusSent < 3 && !expected {
			// The next pass backs off before reconnecting.
			s.logger.Warn("unable to keep a connection to cloud")
			continue
		}
		s.createSocket(ctx)
	}
}

// waitAndProcess runs queued tasks while waiting d in slice-sized steps. It
// returns true only when the full wait elapsed: a status request (unless
// ignored), a disconnect or shutdown ends it early.
func (s *Session) waitAndProcess(ctx context.Context, d time.Duration, ignoreStatusNow bool) bool {
	deadline := s.now().Add(d)
	for {
		s.drainTasks()

		if !ignoreStatusNow && s.statusNow.CompareAndSwap(true, false) {
			s.logger.Debug("status requested, waking early")
			return false
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return true
		}
		step := s.slice
		if remaining < step {
			step = remaining
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-s.tasks.Wake():
			timer.Stop()
		case <-timer.C:
		}

		if !s.connected.Load() {
			s.dropSocket()
			return false
		}
		if s.stopped.Load() {
			return false
		}
	}
}

func (s *Session) drainTasks() {
	for {
		task, ok := s.tasks.Poll()
		if !ok {
			return
		}
		s.runTask(task)
	}
}

func (s *Session) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panic", "panic", r)
		}
	}()
	task()
}

// sleep waits d while still running queued tasks. It returns false on shutdown.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return !s.stopped.Load()
		case <-s.tasks.Wake():
			if s.stopped.Load() {
				return false
			}
			s.drainTasks()
		}
	}
}

// adjustInterval picks the next status interval. It relaxes to the slow
// rate only when no cloud print is active and nothing is printing, so one
// fast report follows the end of a print.
func (s *Session) adjustInterval(targetSet bool) time.Duration {
	printing := s.printer.IsPrinting()

	s.mu.Lock()
	defer s.mu.Unlock()
	if targetSet {
		s.updateInterval = s.opts.Cloud.FastInterval
	} else if !s.cloudPrint && !printing {
		s.updateInterval = s.opts.Cloud.SlowInterval
	}
	return s.updateInterval
}

func (s *Session) setFastInterval() {
	s.mu.Lock()
	s.updateInterval = s.opts.Cloud.FastInterval
	s.mu.Unlock()
}

type setVersionMessage struct {
	SerialNumber   string `json:"serialNumber"`
	RunningVersion string `json:"runningVersion"`
	LatestVersion  string `json:"latestVersion"`
}

func (s *Session) checkVersions(ctx context.Context) {
	if s.updater == nil {
		return
	}
	running, latest, err := s.updater.Versions(ctx)
	if err != nil {
		s.logger.Warn("unable to read host versions", "error", err)
		return
	}
	if running == "" || latest == "" || running == "unknown" || latest == "unknown" {
		s.logger.Warn("unable to determine current or available host version")
		return
	}
	s.emit("setVersion", setVersionMessage{
		SerialNumber:   s.Serial(),
		RunningVersion: running,
		LatestVersion:  latest,
	})
}

// CustomCommand is one entry of the customCommandList message.
type CustomCommand struct {
	Label       string `json:"label"`
	Command     string `json:"command"`
	ConfirmText string `json:"confirmText,omitempty"`
}

type customCommandListMessage struct {
	SerialNumber string          `json:"serialNumber"`
	CommandList  []CustomCommand `json:"commandList"`
}

// pushCustomCommandList sends the host's system commands, but only when the
// list differs from what this connection last sent.
func (s *Session) pushCustomCommandList(ctx context.Context) {
	list := []CustomCommand{}
	if s.opts.Printer.EnableSystemCommands && s.host != nil {
		commands, err := s.host.SystemCommands(ctx)
		if err != nil {
			s.logger.Warn("could not retrieve system commands", "error", err)
		}
		for _, c := range commands {
			list = append(list, CustomCommand{
				Label:       c.Name,
				Command:     c.Source + "/" + c.Action,
				ConfirmText: c.Confirm,
			})
		}
	}

	s.mu.Lock()
	unchanged := s.commandListSent && equalCommands(s.sentCommandList, list)
	s.mu.Unlock()
	if unchanged {
		s.logger.Debug("customCommandList unchanged, not sent")
		return
	}

	if err := s.emit("customCommandList", customCommandListMessage{SerialNumber: s.Serial(), CommandList: list}); err != nil {
		return
	}
	s.mu.Lock()
	s.sentCommandList = list
	s.commandListSent = true
	s.mu.Unlock()
}

func equalCommands(a, b []CustomCommand) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
