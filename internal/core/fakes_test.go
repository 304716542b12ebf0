package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orrn/polarbridge/internal/config"
	"github.com/orrn/polarbridge/internal/db"
	"github.com/orrn/polarbridge/internal/fetch"
)

type emitted struct {
	event   string
	payload json.RawMessage
}

type fakeSocket struct {
	mu           sync.Mutex
	handlers     map[string]func(json.RawMessage)
	onDisconnect func()
	emits        []emitted
	closed       bool
	connectErr   error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: make(map[string]func(json.RawMessage))}
}

func (f *fakeSocket) On(event string, h func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeSocket) OnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeSocket) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeSocket) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("closed")
	}
	f.emits = append(f.emits, emitted{event: event, payload: data})
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// deliver invokes the registered handler for event as the read loop would.
func (f *fakeSocket) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %q", event)
	}
	h(data)
}

func (f *fakeSocket) sent(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type fakePrinter struct {
	mu            sync.Mutex
	state         string
	printing      bool
	paused        bool
	closedOrError bool
	isError       bool
	temps         map[string]Temperature
	data          JobData
	calls         []string
	temperatures  map[string]float64
	commands      []string
	selected      []string
}

func newFakePrinter() *fakePrinter {
	return &fakePrinter{
		state:        "OPERATIONAL",
		temps:        map[string]Temperature{"tool0": {Actual: 21, Target: 0}},
		temperatures: make(map[string]float64),
	}
}

func (p *fakePrinter) set(state string, printing, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state, p.printing, p.paused = state, printing, paused
}

func (p *fakePrinter) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePrinter) called(call string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (p *fakePrinter) IsPrinting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printing
}

func (p *fakePrinter) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakePrinter) IsClosedOrError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closedOrError
}

func (p *fakePrinter) IsError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isError
}

func (p *fakePrinter) StateID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePrinter) Temperatures() map[string]Temperature {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Temperature, len(p.temps))
	for k, v := range p.temps {
		out[k] = v
	}
	return out
}

func (p *fakePrinter) CurrentData() JobData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *fakePrinter) Connect(ctx context.Context) error {
	p.record("connect")
	return nil
}

func (p *fakePrinter) Disconnect(ctx context.Context) error {
	p.record("disconnect")
	return nil
}

func (p *fakePrinter) CancelPrint(ctx context.Context) error {
	p.record("cancel")
	return nil
}

func (p *fakePrinter) PausePrint(ctx context.Context) error {
	p.record("pause")
	return nil
}

func (p *fakePrinter) ResumePrint(ctx context.Context) error {
	p.record("resume")
	return nil
}

func (p *fakePrinter) SetTemperature(ctx context.Context, heater string, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.temperatures[heater] = value
	return nil
}

func (p *fakePrinter) Commands(ctx context.Context, commands []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, commands...)
	return nil
}

func (p *fakePrinter) SelectFile(ctx context.Context, path string, sd, print bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = append(p.selected, fmt.Sprintf("%s sd=%t print=%t", path, sd, print))
	return nil
}

func (p *fakePrinter) AddSDFile(ctx context.Context, localPath string) (string, error) {
	p.record("addsd")
	return "current-print.3mf", nil
}

type fakeHost struct {
	mu       sync.Mutex
	commands []SystemCommand
	ran      []string
	jogs     []string
}

func (h *fakeHost) SystemCommands(ctx context.Context) ([]SystemCommand, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SystemCommand(nil), h.commands...), nil
}

func (h *fakeHost) RunSystemCommand(ctx context.Context, sourceAndAction string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ran = append(h.ran, sourceAndAction)
	return nil
}

func (h *fakeHost) Jog(ctx context.Context, endpoint string, body json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jogs = append(h.jogs, endpoint+" "+string(body))
	return nil
}

type fakeSigner struct {
	ensureErr error
}

func (f *fakeSigner) Ensure(bool) error      { return f.ensureErr }
func (f *fakeSigner) EnsureWithRetry() error { return f.ensureErr }
func (f *fakeSigner) Loaded() bool           { return f.ensureErr == nil }

func (f *fakeSigner) Sign(challenge []byte) (string, error) {
	return "signed:" + string(challenge), nil
}

func (f *fakeSigner) PublicKeyPEM() (string, error) {
	return "-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----\n", nil
}

type posted struct {
	url    string
	fields map[string]string
	file   fetch.File
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	posts  []posted
}

func (f *fakeFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[url]
	if !ok {
		return nil, &fetch.StatusError{Method: "GET", URL: url, Code: 404}
	}
	return body, nil
}

func (f *fakeFetcher) GetWithTimeout(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	return f.Get(ctx, url)
}

func (f *fakeFetcher) PostMultipart(ctx context.Context, url string, fields map[string]string, file fetch.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, posted{url: url, fields: fields, file: file})
	return nil
}

type fakeFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeFiles) AddFolder(name string) (string, error) { return name, nil }

func (f *fakeFiles) JoinPath(elem ...string) string {
	out := ""
	for i, e := range elem {
		if i > 0 {
			out += "/"
		}
		out += e
	}
	return out
}

func (f *fakeFiles) AddFile(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[path] = data
	return nil
}

func (f *fakeFiles) PathOnDisk(path string) string { return "/data/files/" + path }

type fakeSlicer struct {
	mu      sync.Mutex
	busy    bool
	profile []byte
	input   string
	output  string
	ctx     context.Context
	done    func(string, error)
}

func (f *fakeSlicer) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeSlicer) TranslateProfile(config []byte, printerType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile = config
	return "/profiles/polarcloud.ini", nil
}

func (f *fakeSlicer) Slice(ctx context.Context, input, output, profile, printerType string, done func(string, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx, f.input, f.output, f.done = ctx, input, output, done
	return nil
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (f *fakeSettings) GetString(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key], nil
}

func (f *fakeSettings) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[key] = value
	return nil
}

type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[string]*db.CloudJob
	states []string
}

func (f *fakeJobs) CreateJob(ctx context.Context, j *db.CloudJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]*db.CloudJob)
	}
	f.jobs[j.JobID] = j
	return nil
}

func (f *fakeJobs) UpdateJobState(ctx context.Context, jobID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, jobID+":"+state)
	return nil
}

func (f *fakeJobs) CompleteJob(ctx context.Context, jobID, state string, filamentUsed float64, printSeconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, jobID+":"+state)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (f *fakeNotifier) Notify(o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
}

func (f *fakeNotifier) last() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		return Outcome{}
	}
	return f.outcomes[len(f.outcomes)-1]
}

type harness struct {
	s        *Session
	sock     *fakeSocket
	printer  *fakePrinter
	host     *fakeHost
	fetch    *fakeFetcher
	files    *fakeFiles
	slicer   *fakeSlicer
	settings *fakeSettings
	jobs     *fakeJobs
	notifier *fakeNotifier
	clock    time.Time
}

const testSerial = "P3D-1234"

// newHarness builds a registered session attached to a connected fake socket.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sock:     newFakeSocket(),
		printer:  newFakePrinter(),
		host:     &fakeHost{},
		fetch:    &fakeFetcher{bodies: make(map[string][]byte)},
		files:    &fakeFiles{},
		slicer:   &fakeSlicer{},
		settings: &fakeSettings{},
		jobs:     &fakeJobs{},
		notifier: &fakeNotifier{},
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	opts := Options{
		Cloud: config.CloudConfig{
			Service:    "https://cloud.example",
			BackoffMin: time.Millisecond,
			BackoffMax: 2 * time.Millisecond,
		},
		Printer: config.PrinterConfig{MachineType: "Cartesian", PrinterType: "Cartesian", EnableSystemCommands: true},
		Webcam: config.WebcamConfig{
			Stream:       "/webcam/?action=stream",
			Snapshot:     "http://127.0.0.1:8080/?action=snapshot",
			MaxImageSize: 150000,
		},
		Slicing: config.SlicingConfig{UploadTimelapse: true},
		MAC:     "AA:BB:CC:DD:EE:FF",
		LocalIP: "10.0.0.5",
	}
	s, err := NewSession(opts, Deps{
		Printer:   h.printer,
		Host:      h.host,
		Keys:      &fakeSigner{},
		Fetch:     h.fetch,
		Files:     h.files,
		Slicer:    h.slicer,
		Settings:  h.settings,
		Jobs:      h.jobs,
		Notifier:  h.notifier,
		NewSocket: func() Socket { return h.sock },
	})
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return h.clock }
	s.slice = time.Millisecond
	s.connectWait = 50 * time.Millisecond

	s.registerHandlers(context.Background(), h.sock)
	h.sock.OnDisconnect(func() { s.onDisconnect(h.sock) })
	s.mu.Lock()
	s.serial = testSerial
	s.socket = h.sock
	s.mu.Unlock()
	s.connected.Store(true)

	h.s = s
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) cmd(fields map[string]any) map[string]any {
	if _, ok := fields["serialNumber"]; !ok {
		fields["serialNumber"] = testSerial
	}
	return fields
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	return m
}
