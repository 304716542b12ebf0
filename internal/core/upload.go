package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/orrn/polarbridge/internal/fetch"
	"github.com/orrn/polarbridge/internal/snapshot"
)

type getURLMessage struct {
	SerialNumber string     `json:"serialNumber"`
	Method       string     `json:"method"`
	Type         UploadType `json:"type"`
	JobID        string     `json:"jobId"`
}

// EnsureUploadURL reports whether a usable lease of type t is held. When it
// is not, a new lease is requested (once per request window) and false is
// returned.
func (s *Session) EnsureUploadURL(t UploadType) bool {
	if s.opts.Webcam.Snapshot == "" {
		return false
	}

	idleJobID := ""
	if t == UploadIdle {
		idleJobID = s.currentJobID()
	}

	now := s.now()
	s.mu.Lock()
	lease := s.leases[t]
	if t != UploadIdle && lease != nil && lease.JobID != s.jobID {
		s.logger.Debug("discarding upload url of another job", "type", t, "lease_job", lease.JobID, "job_id", s.jobID)
		delete(s.leases, t)
		lease = nil
	}
	if lease.Valid(now, s.jobID) {
		s.mu.Unlock()
		return true
	}
	if until, ok := s.leasePending[t]; ok && now.Before(until) {
		s.mu.Unlock()
		return false
	}
	s.leasePending[t] = now.Add(s.leaseWait)
	jobID := s.jobID
	if t == UploadIdle {
		jobID = idleJobID
	}
	serial := s.serial
	s.mu.Unlock()

	s.logger.Debug("requesting upload url", "type", t, "job_id", jobID)
	if err := s.emit("getUrl", getURLMessage{SerialNumber: serial, Method: "post", Type: t, JobID: jobID}); err != nil {
		s.mu.Lock()
		delete(s.leasePending, t)
		s.mu.Unlock()
	}
	return false
}

// Lease returns a copy of the held lease of type t, if any.
func (s *Session) Lease(t UploadType) (UploadLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[t]
	if !ok {
		return UploadLease{}, false
	}
	return *l, true
}

type getURLResponse struct {
	SerialNumber string          `json:"serialNumber"`
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	Type         UploadType      `json:"type"`
	Expires      json.RawMessage `json:"expires"`
	URL          string          `json:"url"`
	MaxSize      json.RawMessage `json:"maxSize"`
	Fields       map[string]any  `json:"fields"`
	JobID        *string         `json:"jobID"`
}

func (s *Session) onGetURLResponse(_ context.Context, payload json.RawMessage) {
	var msg getURLResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("malformed getUrlResponse", "error", err)
		return
	}
	if !s.authorized("getUrlResponse", msg.SerialNumber) {
		return
	}
	if msg.Status == "" {
		s.logger.Warn("getUrlResponse lacks status")
		return
	}
	if msg.Status != "SUCCESS" {
		s.logger.Warn("failed to get upload url", "status", msg.Status, "message", msg.Message)
		return
	}
	if msg.Type == "" || msg.URL == "" || len(msg.Expires) == 0 || len(msg.MaxSize) == 0 || msg.Fields == nil {
		s.logger.Warn("getUrlResponse lacks a required property")
	}
	if msg.Type == "" {
		msg.Type = UploadIdle
	}

	expires, _ := flexInt(msg.Expires)
	maxSize, _ := flexInt(msg.MaxSize)
	fields := make(map[string]string, len(msg.Fields))
	for k, v := range msg.Fields {
		if str, ok := v.(string); ok {
			fields[k] = str
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}

	s.mu.Lock()
	lease := &UploadLease{
		Type:    msg.Type,
		URL:     msg.URL,
		Fields:  fields,
		MaxSize: maxSize,
		Expires: s.now().Add(time.Duration(expires) * time.Second),
		JobID:   s.jobID,
	}
	if msg.JobID != nil {
		lease.JobID = *msg.JobID
	}
	s.leases[msg.Type] = lease
	delete(s.leasePending, msg.Type)
	s.mu.Unlock()

	s.logger.Debug("upload url received", "type", msg.Type, "expires_in", expires)
	if msg.Type == UploadIdle {
		s.tasks.Enqueue(func() { s.UploadSnapshot(s.context()) })
	}
}

// uploadTypeForSnapshot is printing only for a real cloud job that is
// printing or paused.
func (s *Session) uploadTypeForSnapshot() UploadType {
	active := s.printer.IsPrinting() || s.printer.IsPaused()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cloudPrint && s.jobID != NoJobID && active {
		return UploadPrinting
	}
	return UploadIdle
}

// UploadSnapshot posts one webcam frame to the current lease. Failures are
// logged only.
func (s *Session) UploadSnapshot(ctx context.Context) {
	t := s.uploadTypeForSnapshot()
	if !s.EnsureUploadURL(t) {
		return
	}
	lease, ok := s.Lease(t)
	if !ok || s.fetch == nil {
		return
	}

	frame, err := s.fetch.GetWithTimeout(ctx, s.opts.Webcam.Snapshot, s.opts.Webcam.SnapshotTimeout)
	if err != nil {
		s.logger.Warn("could not capture image", "url", s.opts.Webcam.Snapshot, "error", err)
		return
	}

	transform := snapshot.Transform{
		FlipH:    s.opts.Webcam.FlipH,
		FlipV:    s.opts.Webcam.FlipV,
		Rotate90: s.opts.Webcam.Rotate90,
	}
	size := len(frame)
	if snapshot.NeedsTranscode(size, s.opts.Webcam.MaxImageSize, transform) {
		frame, err = snapshot.Transcode(frame, transform)
		if err != nil {
			if errors.Is(err, snapshot.ErrEmptyFrame) {
				s.logger.Debug("empty frame, not uploading", "url", s.opts.Webcam.Snapshot)
			} else {
				s.logger.Warn("could not transcode snapshot", "error", err)
			}
			return
		}
		s.logger.Debug("snapshot transcoded", "from", size, "to", len(frame))
	}
	if len(frame) == 0 {
		s.logger.Debug("empty frame, not uploading", "url", s.opts.Webcam.Snapshot)
		return
	}

	err = s.fetch.PostMultipart(ctx, lease.URL, lease.Fields, fetch.File{
		Field:       "file",
		Name:        "image.jpg",
		ContentType: "image/jpeg",
		Data:        frame,
	})
	if err != nil {
		s.logger.Warn("could not post snapshot", "type", t, "error", err)
		if fetch.IsClientError(err) {
			s.dropLease(t)
		}
		return
	}
	s.logger.Debug("snapshot uploaded", "type", t, "bytes", len(frame))
}

// UploadTimelapse marks the cloud print complete and posts the rendered
// movie at path. An empty path means rendering failed.
func (s *Session) UploadTimelapse(ctx context.Context, path string) {
	s.mu.Lock()
	s.pstate = PStateComplete
	s.pstateCounter = repeatCount
	s.mu.Unlock()

	if path == "" {
		return
	}
	if !s.EnsureUploadURL(UploadTimelapse) {
		s.logger.Error("no valid destination to upload timelapse", "path", path)
		return
	}
	lease, ok := s.Lease(UploadTimelapse)
	if !ok || s.fetch == nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("could not read timelapse", "path", path, "error", err)
		return
	}
	err = s.fetch.PostMultipart(ctx, lease.URL, lease.Fields, fetch.File{
		Field:       "file",
		Name:        "timelapse.mp4",
		ContentType: "video/mp4",
		Data:        data,
	})
	if err != nil {
		s.logger.Error("could not upload timelapse", "path", path, "error", err)
		return
	}
	s.logger.Info("timelapse uploaded", "path", path, "bytes", len(data))
}

// dropLease forgets a lease the upload target rejected.
func (s *Session) dropLease(t UploadType) {
	s.mu.Lock()
	delete(s.leases, t)
	s.mu.Unlock()
}

// flexInt accepts a JSON number or a numeric string.
func flexInt(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing value")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		return int64(f), err
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(str, 64)
	return int64(f), err
}
