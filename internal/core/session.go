package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orrn/polarbridge/internal/config"
	"github.com/orrn/polarbridge/internal/db"
)

type Options struct {
	Cloud   config.CloudConfig
	Printer config.PrinterConfig
	Webcam  config.WebcamConfig
	Slicing config.SlicingConfig
	// MAC and LocalIP override interface discovery when set.
	MAC     string
	LocalIP string
}

type Deps struct {
	Printer   Printer
	Host      HostAPI
	Updater   Updater
	Keys      Signer
	Fetch     Fetcher
	Files     FileStore
	Slicer    Slicer
	Timelapse TimelapseRenderer
	Settings  SettingsStore
	Jobs      JobHistory
	Notifier  Notifier
	NewSocket SocketFactory
	Logger    *slog.Logger
}

// Session owns the cloud connection, the heartbeat goroutine and the cloud
// print state.
type Session struct {
	opts      Options
	printer   Printer
	host      HostAPI
	updater   Updater
	keys      Signer
	fetch     Fetcher
	files     FileStore
	slicer    Slicer
	timelapse TimelapseRenderer
	settings  SettingsStore
	jobs      JobHistory
	notifier  Notifier
	newSocket SocketFactory
	logger    *slog.Logger

	tasks *TaskQueue

	now         func() time.Time
	slice       time.Duration
	connectWait time.Duration
	leaseWait   time.Duration
	jitter      func() float64

	connected              atomic.Bool
	helloSent              atomic.Bool
	statusNow              atomic.Bool
	stopped                atomic.Bool
	running                atomic.Bool
	disconnectOnRegister   atomic.Bool
	disconnectOnUnregister atomic.Bool

	// mu guards the fields below. It is never held across I/O.
	mu              sync.Mutex
	ctx             context.Context
	socket          Socket
	challenge       []byte
	serial          string
	email           string
	pin             string
	machineType     string
	printerType     string
	pstate          PState
	pstateCounter   int
	cloudPrint      bool
	jobPending      bool
	nextPending     bool
	jobID           string
	cloudPrintInfo  map[string]string
	status          *Status
	leases          map[UploadType]*UploadLease
	leasePending    map[UploadType]time.Time
	capabilities    json.RawMessage
	sentCommandList []CustomCommand
	commandListSent bool
	updateInterval  time.Duration
	sliceCancel     context.CancelFunc

	wg sync.WaitGroup
}

func NewSession(opts Options, deps Deps) (*Session, error) {
	if deps.Printer == nil {
		return nil, fmt.Errorf("printer is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if deps.NewSocket == nil {
		return nil, fmt.Errorf("socket factory is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Cloud.SlowInterval <= 0 {
		opts.Cloud.SlowInterval = 60 * time.Second
	}
	if opts.Cloud.FastInterval <= 0 {
		opts.Cloud.FastInterval = 10 * time.Second
	}
	if opts.Cloud.BackoffMax < opts.Cloud.BackoffMin {
		opts.Cloud.BackoffMax = opts.Cloud.BackoffMin
	}
	if opts.Cloud.ConnectTimeout <= 0 {
		opts.Cloud.ConnectTimeout = 10 * time.Second
	}
	if opts.Cloud.SetTempThreshold <= 0 {
		opts.Cloud.SetTempThreshold = 50
	}
	if opts.Webcam.SnapshotTimeout <= 0 {
		opts.Webcam.SnapshotTimeout = 5 * time.Second
	}

	return &Session{
		opts:           opts,
		printer:        deps.Printer,
		host:           deps.Host,
		updater:        deps.Updater,
		keys:           deps.Keys,
		fetch:          deps.Fetch,
		files:          deps.Files,
		slicer:         deps.Slicer,
		timelapse:      deps.Timelapse,
		settings:       deps.Settings,
		jobs:           deps.Jobs,
		notifier:       deps.Notifier,
		newSocket:      deps.NewSocket,
		logger:         deps.Logger.With("component", "cloud"),
		tasks:          NewTaskQueue(),
		now:            time.Now,
		slice:          time.Second,
		connectWait:    8 * time.Second,
		leaseWait:      30 * time.Second,
		jitter:         rand.Float64,
		pstate:         PStateIdle,
		jobID:          NoJobID,
		machineType:    opts.Printer.MachineType,
		printerType:    opts.Printer.PrinterType,
		leases:         make(map[UploadType]*UploadLease),
		leasePending:   make(map[UploadType]time.Time),
		updateInterval: opts.Cloud.SlowInterval,
	}, nil
}

// LoadIdentity reads the persisted registration from the settings store.
func (s *Session) LoadIdentity(ctx context.Context) error {
	if s.settings == nil {
		return nil
	}
	values := make(map[string]string)
	for _, key := range []string{db.SettingSerial, db.SettingEmail, db.SettingPin, db.SettingMachineType, db.SettingPrinterType} {
		v, err := s.settings.GetString(ctx, key)
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		values[key] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial = values[db.SettingSerial]
	s.email = values[db.SettingEmail]
	s.pin = values[db.SettingPin]
	if v := values[db.SettingMachineType]; v != "" {
		s.machineType = v
	}
	if v := values[db.SettingPrinterType]; v != "" {
		s.printerType = v
	}
	return nil
}

// Run starts the heartbeat when registered and blocks until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.LoadIdentity(ctx); err != nil {
		return err
	}
	if err := s.keys.Ensure(false); err != nil {
		s.logger.Warn("signing key unavailable", "error", err)
	}

	if s.Serial() != "" {
		s.Start()
	} else {
		s.logger.Info("printer not registered, waiting for registration")
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// Start launches the heartbeat goroutine unless one is already running.
func (s *Session) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopped.Store(false)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.heartbeat(s.context())
	}()
}

// Stop ends the heartbeat for good and closes the socket.
func (s *Session) Stop() {
	s.stopped.Store(true)
	s.tasks.Notify()
	s.cancelSlicing()
	s.closeSocket()
	s.wg.Wait()
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Session) stopping(ctx context.Context) bool {
	return s.stopped.Load() || ctx.Err() != nil
}

func (s *Session) Serial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serial
}

// RequestStatus asks the heartbeat to send a status out of cycle.
func (s *Session) RequestStatus() {
	s.statusNow.Store(true)
	s.tasks.Notify()
}

// Enqueue schedules fn on the heartbeat goroutine.
func (s *Session) Enqueue(fn func()) {
	s.tasks.Enqueue(fn)
}

func (s *Session) currentSocket() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// createSocket opens a fresh connection. On failure the session is left
// without a socket and the heartbeat backs off.
func (s *Session) createSocket(ctx context.Context) {
	sock := s.newSocket()
	s.registerHandlers(ctx, sock)
	sock.OnDisconnect(func() { s.onDisconnect(sock) })

	s.mu.Lock()
	s.challenge = nil
	s.sentCommandList = nil
	s.commandListSent = false
	s.mu.Unlock()
	s.helloSent.Store(false)
	s.disconnectOnRegister.Store(false)
	s.connected.Store(true)

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.Cloud.ConnectTimeout)
	defer cancel()
	if err := sock.Connect(connectCtx); err != nil {
		s.connected.Store(false)
		s.logger.Warn("unable to connect to cloud", "service", s.opts.Cloud.Service, "error", err)
		return
	}

	s.mu.Lock()
	s.socket = sock
	s.mu.Unlock()
	s.logger.Info("socket created", "service", s.opts.Cloud.Service)
}

func (s *Session) onDisconnect(sock Socket) {
	s.mu.Lock()
	current := s.socket == sock
	s.mu.Unlock()
	if !current {
		return
	}

	s.logger.Debug("disconnected")
	s.connected.Store(false)
	if s.disconnectOnUnregister.CompareAndSwap(true, false) {
		s.stopped.Store(true)
	}
	s.tasks.Notify()
}

func (s *Session) dropSocket() {
	s.mu.Lock()
	s.socket = nil
	s.mu.Unlock()
}

func (s *Session) closeSocket() {
	if sock := s.currentSocket(); sock != nil {
		sock.Close()
	}
}

// emit sends on the current socket. A send failure counts as a disconnect.
func (s *Session) emit(event string, payload any) error {
	sock := s.currentSocket()
	if sock == nil || !s.connected.Load() {
		return ErrNotConnected
	}
	if s.opts.Cloud.Verbose {
		s.logger.Debug("emit", "event", event, "payload", payload)
	}
	if err := sock.Emit(event, payload); err != nil {
		s.logger.Warn("emit failed", "event", event, "error", err)
		s.connected.Store(false)
		return err
	}
	return nil
}

func (s *Session) registerHandlers(ctx context.Context, sock Socket) {
	handlers := map[string]func(context.Context, json.RawMessage){
		"welcome":              s.onWelcome,
		"registerResponse":     s.onRegisterResponse,
		"unregisterResponse":   s.onUnregisterResponse,
		"capabilitiesResponse": s.onCapabilitiesResponse,
		"getUrlResponse":       s.onGetURLResponse,
		"cancel":               s.onCancel,
		"command":              s.onCommand,
		"pause":                s.onPause,
		"print":                s.onPrint,
		"resume":               s.onResume,
		"temperature":          s.onTemperature,
		"update":               s.onUpdate,
		"connectPrinter":       s.onConnectPrinter,
		"customCommand":        s.onCustomCommand,
		"jogPrinter":           s.onJogPrinter,
	}
	for event, h := range handlers {
		sock.On(event, s.guard(ctx, event, h))
	}
}

// guard makes a handler a fault boundary: a panic is logged and dropped.
func (s *Session) guard(ctx context.Context, event string, h func(context.Context, json.RawMessage)) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic", "event", event, "panic", r)
			}
		}()
		if s.opts.Cloud.Verbose {
			s.logger.Debug("received", "event", event, "payload", string(payload))
		}
		h(ctx, payload)
	}
}

type welcomeMessage struct {
	Challenge json.RawMessage `json:"challenge"`
}

func (s *Session) onWelcome(_ context.Context, payload json.RawMessage) {
	var msg welcomeMessage
	if err := json.Unmarshal(payload, &msg); err != nil || len(msg.Challenge) == 0 {
		s.logger.Warn("welcome without challenge")
		return
	}

	challenge := []byte(msg.Challenge)
	var str string
	if err := json.Unmarshal(msg.Challenge, &str); err == nil {
		challenge = []byte(str)
	}

	s.mu.Lock()
	s.challenge = challenge
	s.mu.Unlock()
	s.tasks.Enqueue(s.hello)
}

type helloMessage struct {
	SerialNumber string `json:"serialNumber"`
	Signature    string `json:"signature"`
	MAC          string `json:"MAC"`
	LocalIP      string `json:"localIP"`
	Protocol     string `json:"protocol"`
	CamURL       string `json:"camUrl"`
	TransformImg int    `json:"transformImg"`
	MachineType  string `json:"machineType"`
	PrinterType  string `json:"printerType"`
}

func (s *Session) hello() {
	s.mu.Lock()
	serial := s.serial
	challenge := s.challenge
	machineType := s.machineType
	printerType := s.printerType
	s.mu.Unlock()

	if serial == "" || challenge == nil {
		s.logger.Debug("skip hello", "registered", serial != "", "challenge", challenge != nil)
		return
	}

	signature, err := s.keys.Sign(challenge)
	if err != nil {
		s.logger.Error("unable to sign challenge", "error", err)
		return
	}

	s.helloSent.Store(true)
	s.RequestStatus()

	ip := s.localIP()
	camURL := s.opts.Webcam.Stream
	if camURL != "" {
		normalized, err := normalizeURL(camURL, ip)
		if err != nil {
			s.logger.Warn("unable to canonicalize webcam url", "url", camURL, "error", err)
		} else {
			camURL = normalized
		}
	}

	err = s.emit("hello", helloMessage{
		SerialNumber: serial,
		Signature:    signature,
		MAC:          s.macAddress(),
		LocalIP:      ip,
		Protocol:     ProtocolVersion,
		CamURL:       camURL,
		TransformImg: s.opts.Webcam.TransformMask(),
		MachineType:  machineType,
		PrinterType:  printerType,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	s.challenge = nil
	s.mu.Unlock()
}

func (s *Session) macAddress() string {
	if s.opts.MAC != "" {
		return s.opts.MAC
	}
	return macAddress()
}

func (s *Session) localIP() string {
	if s.opts.LocalIP != "" {
		return s.opts.LocalIP
	}
	return localIP()
}

// backoff is uniform in [BackoffMin, BackoffMax].
func (s *Session) backoff() time.Duration {
	lo, hi := s.opts.Cloud.BackoffMin, s.opts.Cloud.BackoffMax
	return lo + time.Duration(s.jitter()*float64(hi-lo))
}

type capabilitiesMessage struct {
	SerialNumber string `json:"serialNumber"`
}

func (s *Session) sendCapabilities() {
	s.emit("capabilities", capabilitiesMessage{SerialNumber: s.Serial()})
}

func (s *Session) onCapabilitiesResponse(_ context.Context, payload json.RawMessage) {
	var msg struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || len(msg.Capabilities) == 0 {
		return
	}
	s.mu.Lock()
	s.capabilities = msg.Capabilities
	s.mu.Unlock()
}

func (s *Session) sendNextPrint() {
	if !s.opts.Cloud.NextPrint {
		return
	}
	s.logger.Debug("emit sendNextPrint")
	s.emit("sendNextPrint", capabilitiesMessage{SerialNumber: s.Serial()})
}

// Snapshot is the session state exposed on the local API.
type Snapshot struct {
	Connected    bool            `json:"connected"`
	HelloSent    bool            `json:"hello_sent"`
	Registered   bool            `json:"registered"`
	Serial       string          `json:"serial,omitempty"`
	Email        string          `json:"email,omitempty"`
	MachineType  string          `json:"machine_type"`
	PrinterType  string          `json:"printer_type"`
	PState       PState          `json:"pstate"`
	CloudPrint   bool            `json:"cloud_print"`
	JobID        string          `json:"job_id"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Running      bool            `json:"running"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Connected:    s.connected.Load() && s.socket != nil,
		HelloSent:    s.helloSent.Load(),
		Registered:   s.serial != "",
		Serial:       s.serial,
		Email:        s.email,
		MachineType:  s.machineType,
		PrinterType:  s.printerType,
		PState:       s.pstate,
		CloudPrint:   s.cloudPrint,
		JobID:        s.jobID,
		Capabilities: s.capabilities,
		Running:      s.running.Load(),
	}
}
