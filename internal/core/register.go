package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orrn/polarbridge/internal/db"
)

const (
	ResultWait = "WAIT"
	ResultFail = "FAIL"
)

// RegistrationResult is the immediate answer to a register or unregister
// request. The cloud's verdict arrives later as an Outcome.
type RegistrationResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

var registerFailureReasons = map[string]string{
	"MFG_MISSING":     "There is a problem or a bug in this bridge.",
	"MFG_UNKNOWN":     "There is a problem or a bug in this bridge.",
	"EMAIL_PIN_ERROR": "The e-mail address and/or the PIN are not recognized by Polar Cloud.",
	"SERVER_ERROR":    "Polar Cloud was unable to add the printer. Try again later.",
	"FORBIDDEN":       "This printer is already registered to another account.",
}

const (
	msgWaiting     = "Waiting for response from Polar Cloud"
	msgNoCloud     = "Unable to communicate with Polar Cloud"
	msgKeyFailure  = "Failed to generate a signing key."
	msgNotRegister = "Printer is not registered"
)

type registerMessage struct {
	Mfg       string     `json:"mfg"`
	Email     string     `json:"email"`
	Pin       string     `json:"pin"`
	PublicKey string     `json:"publicKey"`
	MyInfo    registerMy `json:"myInfo"`
}

type registerMy struct {
	MAC             string `json:"MAC"`
	ProtocolVersion string `json:"protocolVersion"`
	MachineType     string `json:"machineType"`
	PrinterType     string `json:"printerType"`
}

// Register asks the cloud to add this printer to the account of email.
// Empty machineType or printerType keep the current values.
func (s *Session) Register(ctx context.Context, email, pin, machineType, printerType string) RegistrationResult {
	s.mu.Lock()
	if machineType != "" {
		s.machineType = machineType
	}
	if printerType != "" {
		s.printerType = printerType
	}
	s.email = email
	s.pin = pin
	machineType, printerType = s.machineType, s.printerType
	s.mu.Unlock()

	s.persist(ctx, map[string]string{
		db.SettingMachineType: machineType,
		db.SettingPrinterType: printerType,
	})

	if err := s.keys.EnsureWithRetry(); err != nil {
		s.logger.Error("can't register", "error", fmt.Errorf("%w: %v", ErrNoKey, err))
		s.notify(Outcome{Event: OutcomeRegisterFailed, Reason: msgKeyFailure})
		return RegistrationResult{Status: ResultFail, Message: msgKeyFailure}
	}
	publicKey, err := s.keys.PublicKeyPEM()
	if err != nil {
		s.logger.Error("can't register, unable to export public key", "error", fmt.Errorf("%w: %v", ErrNoKey, err))
		s.notify(Outcome{Event: OutcomeRegisterFailed, Reason: msgKeyFailure})
		return RegistrationResult{Status: ResultFail, Message: msgKeyFailure}
	}

	if !s.awaitConnection(ctx) {
		s.logger.Info("can't register, unable to communicate with cloud")
		return RegistrationResult{Status: ResultFail, Message: msgNoCloud}
	}

	s.logger.Info("emit register", "email", email)
	err = s.emit("register", registerMessage{
		Mfg:       "op",
		Email:     email,
		Pin:       pin,
		PublicKey: publicKey,
		MyInfo: registerMy{
			MAC:             s.macAddress(),
			ProtocolVersion: ProtocolVersion,
			MachineType:     machineType,
			PrinterType:     printerType,
		},
	})
	if err != nil {
		return RegistrationResult{Status: ResultFail, Message: msgNoCloud}
	}
	return RegistrationResult{Status: ResultWait, Message: msgWaiting}
}

// Unregister asks the cloud to forget this printer.
func (s *Session) Unregister(ctx context.Context) RegistrationResult {
	serial := s.Serial()
	if serial == "" {
		s.logger.Info("can't unregister", "error", ErrNotRegistered)
		return RegistrationResult{Status: ResultFail, Message: msgNotRegister}
	}
	if !s.awaitConnection(ctx) {
		s.logger.Info("can't unregister, unable to communicate with cloud")
		return RegistrationResult{Status: ResultFail, Message: msgNoCloud}
	}

	s.logger.Info("emit unregister", "serial", serial)
	if err := s.emit("unregister", packet{SerialNumber: serial}); err != nil {
		return RegistrationResult{Status: ResultFail, Message: msgNoCloud}
	}
	return RegistrationResult{Status: ResultWait, Message: msgWaiting}
}

// awaitConnection starts the heartbeat if needed and waits up to
// connectWait for a live socket.
func (s *Session) awaitConnection(ctx context.Context) bool {
	if s.currentSocket() != nil && s.connected.Load() {
		return true
	}
	s.Start()

	deadline := time.NewTimer(s.connectWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return s.currentSocket() != nil && s.connected.Load()
		case <-tick.C:
			if s.currentSocket() != nil && s.connected.Load() {
				return true
			}
		}
	}
}

type registerResponse struct {
	SerialNumber string `json:"serialNumber"`
	Reason       string `json:"reason"`
}

func (s *Session) onRegisterResponse(ctx context.Context, payload json.RawMessage) {
	var msg registerResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("malformed registerResponse", "error", err)
		return
	}

	if msg.SerialNumber == "" {
		reason := registerFailureReasons[msg.Reason]
		s.logger.Warn("registration failed", "reason", msg.Reason)
		s.notify(Outcome{Event: OutcomeRegisterFailed, Reason: reason})
		return
	}

	s.mu.Lock()
	s.serial = msg.SerialNumber
	email, pin := s.email, s.pin
	s.mu.Unlock()

	s.persist(ctx, map[string]string{
		db.SettingSerial: msg.SerialNumber,
		db.SettingEmail:  email,
		db.SettingPin:    pin,
	})
	s.logger.Info("registered with cloud", "serial", msg.SerialNumber)
	s.notify(Outcome{Event: OutcomeRegistered, Serial: msg.SerialNumber, Email: email})

	s.RequestStatus()
	s.disconnectOnRegister.Store(true)
	s.closeSocket()
}

type unregisterResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Session) onUnregisterResponse(ctx context.Context, payload json.RawMessage) {
	var msg unregisterResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("malformed unregisterResponse", "error", err)
		return
	}
	if msg.Status != "SUCCESS" {
		s.logger.Warn("unregistration failed", "status", msg.Status, "message", msg.Message)
		s.notify(Outcome{Event: OutcomeUnregisterFailed, Reason: msg.Message})
		return
	}

	s.mu.Lock()
	serial := s.serial
	s.serial = ""
	s.email = ""
	s.pin = ""
	s.mu.Unlock()

	s.persist(ctx, map[string]string{
		db.SettingSerial: "",
		db.SettingEmail:  "",
		db.SettingPin:    "",
	})
	s.logger.Info("unregistered from cloud", "serial", serial)
	s.notify(Outcome{Event: OutcomeUnregistered, Serial: serial})

	s.RequestStatus()
	s.disconnectOnUnregister.Store(true)
	s.closeSocket()
}

func (s *Session) persist(ctx context.Context, values map[string]string) {
	if s.settings == nil {
		return
	}
	for key, value := range values {
		encrypted := key == db.SettingPin
		if err := s.settings.SetSetting(ctx, key, value, encrypted); err != nil {
			s.logger.Error("failed to save setting", "key", key, "error", err)
		}
	}
}

func (s *Session) notify(o Outcome) {
	if s.notifier == nil {
		return
	}
	o.At = s.now()
	s.notifier.Notify(o)
}
