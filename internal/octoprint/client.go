// Package octoprint talks to the OctoPrint REST API of the print host.
package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orrn/polarbridge/internal/core"
	"github.com/orrn/polarbridge/internal/fetch"
)

var (
	ErrNoAPIKey      = errors.New("octoprint api key not configured")
	ErrInvalidHeater = errors.New("invalid heater")
	ErrInvalidPath   = errors.New("invalid path")
)

// uploadFolder is where cloud prints are placed on the host.
const uploadFolder = "polarcloud"

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the host adapter. Printer state is served from the last Poll.
type Client struct {
	base   *url.URL
	apiKey string
	http   *fetch.Client
	logger *slog.Logger

	mu    sync.RWMutex
	state State
}

// State is one poll of the host.
type State struct {
	ID            string
	Text          string
	Printing      bool
	Paused        bool
	ClosedOrError bool
	Error         bool
	Temperatures  map[string]core.Temperature
	Job           core.JobData
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   fetch.New(fetch.Config{Timeout: cfg.Timeout}, logger),
		logger: logger,
		state:  State{ID: "OFFLINE", Text: "Offline", ClosedOrError: true},
	}, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if i := strings.IndexByte(u.Path, '?'); i >= 0 {
		u.RawQuery = u.Path[i+1:]
		u.Path = u.Path[:i]
	}
	return u.String()
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case json.RawMessage:
			r = bytes.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encode request: %w", err)
			}
			r = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) command(ctx context.Context, path string, body any) error {
	_, err := c.request(ctx, http.MethodPost, path, body)
	return err
}

type connectionResponse struct {
	Current struct {
		State string `json:"state"`
	} `json:"current"`
}

type printerResponse struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational   bool `json:"operational"`
			Printing      bool `json:"printing"`
			Paused        bool `json:"paused"`
			Pausing       bool `json:"pausing"`
			Cancelling    bool `json:"cancelling"`
			Error         bool `json:"error"`
			ClosedOrError bool `json:"closedOrError"`
		} `json:"flags"`
	} `json:"state"`
	Temperature map[string]json.RawMessage `json:"temperature"`
}

type heaterReading struct {
	Actual *float64 `json:"actual"`
	Target *float64 `json:"target"`
}

type jobResponse struct {
	Job struct {
		EstimatedPrintTime *float64 `json:"estimatedPrintTime"`
		File               struct {
			Name string `json:"name"`
			Size *int64 `json:"size"`
		} `json:"file"`
		Filament map[string]*struct {
			Length float64 `json:"length"`
		} `json:"filament"`
	} `json:"job"`
	Progress struct {
		Completion *float64 `json:"completion"`
		FilePos    *int64   `json:"filepos"`
		PrintTime  *float64 `json:"printTime"`
	} `json:"progress"`
	State string `json:"state"`
}

// Poll refreshes the cached host state. An unreachable host reads as offline.
func (c *Client) Poll(ctx context.Context) (State, error) {
	st, err := c.poll(ctx)
	if err != nil {
		st = State{ID: "OFFLINE", Text: "Offline", ClosedOrError: true}
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	return st, err
}

func (c *Client) poll(ctx context.Context) (State, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/connection", nil)
	if err != nil {
		return State{}, fmt.Errorf("read connection: %w", err)
	}
	var conn connectionResponse
	if err := json.Unmarshal(body, &conn); err != nil {
		return State{}, fmt.Errorf("decode connection: %w", err)
	}

	st := State{
		Text:         conn.Current.State,
		ID:           StateID(conn.Current.State),
		Temperatures: map[string]core.Temperature{},
	}
	st.ClosedOrError = closedOrError(st.ID)
	st.Error = st.ID == "ERROR" || st.ID == "CLOSED_WITH_ERROR"

	// 409 while the printer is not operational
	body, err = c.request(ctx, http.MethodGet, "/api/printer", nil)
	if err == nil {
		var pr printerResponse
		if err := json.Unmarshal(body, &pr); err != nil {
			return State{}, fmt.Errorf("decode printer: %w", err)
		}
		flags := pr.State.Flags
		st.Printing = flags.Printing
		st.Paused = flags.Paused || flags.Pausing
		st.ClosedOrError = flags.ClosedOrError
		st.Error = flags.Error
		for name, raw := range pr.Temperature {
			var h heaterReading
			if json.Unmarshal(raw, &h) != nil || h.Actual == nil {
				continue
			}
			t := core.Temperature{Actual: *h.Actual}
			if h.Target != nil {
				t.Target = *h.Target
			}
			st.Temperatures[name] = t
		}
	} else if !fetch.IsClientError(err) {
		return State{}, fmt.Errorf("read printer: %w", err)
	}

	body, err = c.request(ctx, http.MethodGet, "/api/job", nil)
	if err != nil {
		return State{}, fmt.Errorf("read job: %w", err)
	}
	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		return State{}, fmt.Errorf("decode job: %w", err)
	}
	st.Job = core.JobData{
		StateText:          job.State,
		FileName:           job.Job.File.Name,
		FileSize:           job.Job.File.Size,
		Completion:         job.Progress.Completion,
		EstimatedPrintTime: job.Job.EstimatedPrintTime,
		PrintTime:          job.Progress.PrintTime,
		FilePos:            job.Progress.FilePos,
	}
	for _, tool := range job.Job.Filament {
		if tool != nil {
			st.Job.FilamentLength += tool.Length
		}
	}
	return st, nil
}

// Current returns the state of the last poll.
func (c *Client) Current() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsPrinting() bool      { return c.Current().Printing }
func (c *Client) IsPaused() bool        { return c.Current().Paused }
func (c *Client) IsClosedOrError() bool { return c.Current().ClosedOrError }
func (c *Client) IsError() bool         { return c.Current().Error }
func (c *Client) StateID() string       { return c.Current().ID }
func (c *Client) CurrentData() core.JobData {
	return c.Current().Job
}

func (c *Client) Temperatures() map[string]core.Temperature {
	st := c.Current()
	out := make(map[string]core.Temperature, len(st.Temperatures))
	for k, v := range st.Temperatures {
		out[k] = v
	}
	return out
}

func (c *Client) Connect(ctx context.Context) error {
	return c.command(ctx, "/api/connection", map[string]any{"command": "connect"})
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.command(ctx, "/api/connection", map[string]any{"command": "disconnect"})
}

func (c *Client) CancelPrint(ctx context.Context) error {
	return c.command(ctx, "/api/job", map[string]any{"command": "cancel"})
}

func (c *Client) PausePrint(ctx context.Context) error {
	return c.command(ctx, "/api/job", map[string]any{"command": "pause", "action": "pause"})
}

func (c *Client) ResumePrint(ctx context.Context) error {
	return c.command(ctx, "/api/job", map[string]any{"command": "pause", "action": "resume"})
}

func (c *Client) SetTemperature(ctx context.Context, heater string, value float64) error {
	switch {
	case heater == "bed":
		return c.command(ctx, "/api/printer/bed", map[string]any{"command": "target", "target": value})
	case strings.HasPrefix(heater, "tool"):
		return c.command(ctx, "/api/printer/tool", map[string]any{
			"command": "target",
			"targets": map[string]float64{heater: value},
		})
	default:
		return fmt.Errorf("%w: %s", ErrInvalidHeater, heater)
	}
}

func (c *Client) Commands(ctx context.Context, commands []string) error {
	return c.command(ctx, "/api/printer/command", map[string]any{"commands": commands})
}

// SelectFile loads a file for printing. A local path is uploaded into the
// host's polarcloud folder and selected there; an sd path is selected on
// the printer's card.
func (c *Client) SelectFile(ctx context.Context, path string, sd, print bool) error {
	if sd {
		return c.command(ctx, "/api/files/sdcard/"+url.PathEscape(path), map[string]any{
			"command": "select",
			"print":   print,
		})
	}
	_, err := c.upload(ctx, "local", path, map[string]string{
		"path":   uploadFolder,
		"select": "true",
		"print":  fmt.Sprint(print),
	})
	return err
}

// AddSDFile copies a local file onto the printer's card.
func (c *Client) AddSDFile(ctx context.Context, localPath string) (string, error) {
	body, err := c.upload(ctx, "sdcard", localPath, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Files struct {
			SDCard struct {
				Name string `json:"name"`
			} `json:"sdcard"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Files.SDCard.Name != "" {
		return resp.Files.SDCard.Name, nil
	}
	return filepath.Base(localPath), nil
}

func (c *Client) upload(ctx context.Context, location, localPath string, fields map[string]string) ([]byte, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", localPath, err)
	}
	req, err := fetch.NewMultipartRequest(ctx, c.endpoint("/api/files/"+location), fields, fetch.File{
		Field: "file",
		Name:  filepath.Base(localPath),
		Data:  data,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	c.logger.Debug("uploading to host", "location", location, "file", filepath.Base(localPath), "bytes", len(data))
	return c.http.Do(req)
}

type systemCommand struct {
	Action  string `json:"action"`
	Name    string `json:"name"`
	Confirm string `json:"confirm"`
	Source  string `json:"source"`
}

// SystemCommands lists the host's core and custom system commands.
func (c *Client) SystemCommands(ctx context.Context) ([]core.SystemCommand, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/system/commands", nil)
	if err != nil {
		return nil, err
	}
	var groups map[string][]systemCommand
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("decode system commands: %w", err)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []core.SystemCommand
	for _, name := range names {
		for _, cmd := range groups[name] {
			source := cmd.Source
			if source == "" {
				source = name
			}
			out = append(out, core.SystemCommand{
				Source:  source,
				Action:  cmd.Action,
				Name:    cmd.Name,
				Confirm: cmd.Confirm,
			})
		}
	}
	return out, nil
}

// RunSystemCommand runs "<source>/<action>".
func (c *Client) RunSystemCommand(ctx context.Context, sourceAndAction string) error {
	source, action, ok := strings.Cut(sourceAndAction, "/")
	if !ok || source == "" || action == "" || strings.Contains(action, "/") || strings.Contains(sourceAndAction, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, sourceAndAction)
	}
	return c.command(ctx, "/api/system/commands/"+url.PathEscape(source)+"/"+url.PathEscape(action), json.RawMessage("{}"))
}

func (c *Client) Jog(ctx context.Context, endpoint string, body json.RawMessage) error {
	if endpoint != "printhead" && endpoint != "tool" {
		return fmt.Errorf("%w: %q", ErrInvalidPath, endpoint)
	}
	return c.command(ctx, "/api/printer/"+endpoint, body)
}

type versionCheck struct {
	Information map[string]struct {
		Information struct {
			Local struct {
				Value string `json:"value"`
			} `json:"local"`
			Remote struct {
				Value string `json:"value"`
			} `json:"remote"`
		} `json:"information"`
	} `json:"information"`
}

// Versions reads the running and latest OctoPrint versions from the
// software update plugin.
func (c *Client) Versions(ctx context.Context) (string, string, error) {
	body, err := c.request(ctx, http.MethodGet, "/plugin/softwareupdate/check?targets=octoprint", nil)
	if err != nil {
		return "", "", err
	}
	var check versionCheck
	if err := json.Unmarshal(body, &check); err != nil {
		return "", "", fmt.Errorf("decode version check: %w", err)
	}
	info, ok := check.Information["octoprint"]
	if !ok {
		return "", "", fmt.Errorf("no octoprint entry in version check")
	}
	return info.Information.Local.Value, info.Information.Remote.Value, nil
}

func (c *Client) PerformUpdate(ctx context.Context) error {
	return c.command(ctx, "/plugin/softwareupdate/update", map[string]any{"targets": []string{"octoprint"}})
}
