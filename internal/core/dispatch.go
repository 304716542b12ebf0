package core

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var heaterKey = regexp.MustCompile(`^(bed|tool[0-9]+)$`)

// packet carries the field every cloud command is addressed with.
type packet struct {
	SerialNumber string `json:"serialNumber"`
}

// authorized reports whether a command addressed to serial is for this
// printer. Mismatches are dropped.
func (s *Session) authorized(event, serial string) bool {
	own := s.Serial()
	if serial == "" || own == "" || serial != own {
		s.logger.Debug("dropping command for another printer", "event", event, "serial", serial)
		return false
	}
	return true
}

// decodePacket unmarshals payload into v and checks its serial number.
func (s *Session) decodePacket(event string, payload json.RawMessage, v any) bool {
	var p packet
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("malformed command", "event", event, "error", err)
		return false
	}
	if !s.authorized(event, p.SerialNumber) {
		return false
	}
	if v == nil {
		return true
	}
	if err := json.Unmarshal(payload, v); err != nil {
		s.logger.Warn("malformed command", "event", event, "error", err)
		return false
	}
	return true
}

func (s *Session) onCancel(ctx context.Context, payload json.RawMessage) {
	if !s.decodePacket("cancel", payload, nil) {
		return
	}
	if s.cancelSlicing() {
		s.logger.Info("cloud cancelled the print while slicing")
	}
	if err := s.printer.CancelPrint(ctx); err != nil {
		s.logger.Warn("cancel failed", "error", err)
	}
	s.RequestStatus()
}

func (s *Session) onCommand(ctx context.Context, payload json.RawMessage) {
	var msg struct {
		Command string `json:"command"`
	}
	if !s.decodePacket("command", payload, &msg) {
		return
	}
	var commands []string
	for _, line := range strings.Split(msg.Command, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commands = append(commands, line)
		}
	}
	if len(commands) > 0 {
		if err := s.printer.Commands(ctx, commands); err != nil {
			s.logger.Warn("sending commands failed", "error", err)
		}
	}
	s.RequestStatus()
}

func (s *Session) onPause(ctx context.Context, payload json.RawMessage) {
	if !s.decodePacket("pause", payload, nil) {
		return
	}
	if err := s.printer.PausePrint(ctx); err != nil {
		s.logger.Warn("pause failed", "error", err)
	}
	s.RequestStatus()
}

func (s *Session) onResume(ctx context.Context, payload json.RawMessage) {
	if !s.decodePacket("resume", payload, nil) {
		return
	}
	if err := s.printer.ResumePrint(ctx); err != nil {
		s.logger.Warn("resume failed", "error", err)
	}
	s.RequestStatus()
}

func (s *Session) onTemperature(ctx context.Context, payload json.RawMessage) {
	var msg map[string]json.RawMessage
	if !s.decodePacket("temperature", payload, &msg) {
		return
	}
	for key, raw := range msg {
		if !heaterKey.MatchString(key) {
			continue
		}
		value, err := flexFloat(raw)
		if err != nil {
			s.logger.Warn("ignoring temperature", "heater", key, "value", string(raw))
			continue
		}
		s.logger.Debug("set temperature", "heater", key, "value", value)
		if err := s.printer.SetTemperature(ctx, key, value); err != nil {
			s.logger.Warn("set temperature failed", "heater", key, "error", err)
		}
	}
	s.RequestStatus()
}

func (s *Session) onUpdate(ctx context.Context, payload json.RawMessage) {
	if !s.decodePacket("update", payload, nil) {
		return
	}
	if s.updater == nil {
		return
	}
	s.logger.Info("host software update requested")
	if err := s.updater.PerformUpdate(ctx); err != nil {
		s.logger.Error("could not perform update", "error", err)
	}
}

func (s *Session) onConnectPrinter(ctx context.Context, payload json.RawMessage) {
	if !s.decodePacket("connectPrinter", payload, nil) {
		return
	}
	if s.printer.IsClosedOrError() {
		s.logger.Info("attempting to reconnect to the printer")
		s.reconnectPrinter(ctx)
	}
	s.RequestStatus()
}

func (s *Session) reconnectPrinter(ctx context.Context) {
	if err := s.printer.Disconnect(ctx); err != nil {
		s.logger.Debug("disconnect before reconnect failed", "error", err)
	}
	if err := s.printer.Connect(ctx); err != nil {
		s.logger.Error("unable to reconnect to the printer", "error", err)
	}
}

func (s *Session) onCustomCommand(ctx context.Context, payload json.RawMessage) {
	var msg struct {
		Command string `json:"command"`
	}
	if !s.decodePacket("customCommand", payload, &msg) {
		return
	}
	if msg.Command == "" {
		s.logger.Warn("ignoring custom command without command")
		return
	}
	if s.host == nil {
		return
	}
	if err := s.host.RunSystemCommand(ctx, msg.Command); err != nil {
		s.logger.Error("could not execute system command", "command", msg.Command, "error", err)
	}
}

func (s *Session) onJogPrinter(ctx context.Context, payload json.RawMessage) {
	var msg struct {
		JogPrinter json.RawMessage `json:"jogPrinter"`
	}
	if !s.decodePacket("jogPrinter", payload, &msg) {
		return
	}
	if len(msg.JogPrinter) == 0 {
		s.logger.Warn("ignoring jogPrinter without jogPrinter")
		return
	}
	var jog struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(msg.JogPrinter, &jog); err != nil {
		s.logger.Warn("malformed jogPrinter", "error", err)
		return
	}
	endpoint := "printhead"
	if jog.Command == "extrude" {
		endpoint = "tool"
	}
	if s.host == nil {
		return
	}
	if err := s.host.Jog(ctx, endpoint, msg.JogPrinter); err != nil {
		s.logger.Warn("jog failed", "endpoint", endpoint, "error", err)
	}
}

// flexFloat accepts a JSON number or a numeric string.
func flexFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(str), 64)
}
