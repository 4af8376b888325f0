// Package media owns audio capture: microphone recordings, uploaded files and
// the spool files behind them. Every resource it creates is either discarded
// or handed off exactly once; Ledger keeps the count.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/validation"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrHardware         = errors.New("audio input failure")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrReleased         = errors.New("audio resource already released")
	ErrUnknownResource  = errors.New("audio resource not held by this capture")
	ErrStillRecording   = errors.New("audio resource is still recording")
	ErrSuperseded       = errors.New("recording request superseded")
	ErrInvalidDuration  = errors.New("invalid duration")
	ErrClosed           = errors.New("capture closed")
)

const defaultRecordingMIME = "audio/webm"

// Hooks are invoked without the capture lock held.
type Hooks struct {
	OnDurationResolved func(res *Resource)
	OnRecordingFailed  func(res *Resource, err error)
}

type Config struct {
	SpoolDir string
	// MaxBytes caps what is written to a spool file. Defaults to the audio
	// validation ceiling.
	MaxBytes int64
	Prober   Prober
	Hooks    Hooks
	Now      func() time.Time
}

// Ledger counts resource lifecycles. Created always equals
// Discarded + HandedOff + Live.
type Ledger struct {
	Created   int `json:"created"`
	Discarded int `json:"discarded"`
	HandedOff int `json:"handed_off"`
	Live      int `json:"live"`
}

type Capture struct {
	mu        sync.Mutex
	cfg       Config
	device    Device
	log       zerolog.Logger
	resources map[uuid.UUID]*Resource
	retired   map[uuid.UUID]bool
	rec       *recording
	requests  uint64
	// acquiring holds one token per device acquisition in flight, so the
	// device's live handle always belongs to the newest request.
	acquiring     chan struct{}
	cancelAcquire context.CancelFunc
	ledger        Ledger
	closed        bool
	probes        sync.WaitGroup
}

type recording struct {
	res     *Resource
	handle  Handle
	file    *os.File
	started time.Time
	done    chan struct{}
	aborted atomic.Bool

	// written and err are set before done is closed.
	written int64
	err     error
}

func NewCapture(device Device, cfg Config, log zerolog.Logger) *Capture {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = validation.MaxAudioBytes
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Capture{
		cfg:       cfg,
		device:    device,
		log:       log.With().Str("component", "media_capture").Logger(),
		resources: make(map[uuid.UUID]*Resource),
		retired:   make(map[uuid.UUID]bool),
		acquiring: make(chan struct{}, 1),
	}
}

// ─── Microphone ─────────────────────────────────────────────────────

// RequestMicrophone acquires the input device. Refusal is returned as
// ErrPermissionDenied and never retried here.
func (c *Capture) RequestMicrophone(ctx context.Context) (Handle, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	h, err := c.device.Acquire(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Microphone not acquired")
		return nil, err
	}
	return h, nil
}

// Record acquires the microphone and starts recording for questionID. When
// two calls overlap, the later one wins and the earlier returns ErrSuperseded,
// whatever order the device grants them in.
func (c *Capture) Record(ctx context.Context, questionID uuid.UUID, mimeType string) (*Resource, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.requests++
	gen := c.requests
	if c.cancelAcquire != nil {
		c.cancelAcquire()
	}
	actx, cancel := context.WithCancel(ctx)
	c.cancelAcquire = cancel
	c.mu.Unlock()
	defer cancel()

	select {
	case c.acquiring <- struct{}{}:
	case <-actx.Done():
		if c.superseded(gen) {
			return nil, ErrSuperseded
		}
		return nil, actx.Err()
	}
	defer func() { <-c.acquiring }()

	if c.superseded(gen) {
		return nil, ErrSuperseded
	}
	h, err := c.RequestMicrophone(actx)
	if err != nil {
		if c.superseded(gen) {
			return nil, ErrSuperseded
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests != gen {
		h.Release()
		return nil, ErrSuperseded
	}
	return c.startLocked(h, questionID, mimeType)
}

func (c *Capture) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests != gen
}

// StartRecording begins appending chunks from h to a new resource. A
// recording already in progress is aborted and its resource discarded.
func (c *Capture) StartRecording(h Handle, questionID uuid.UUID, mimeType string) (*Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(h, questionID, mimeType)
}

func (c *Capture) startLocked(h Handle, questionID uuid.UUID, mimeType string) (*Resource, error) {
	if c.closed {
		h.Release()
		return nil, ErrClosed
	}

	mimeType = validation.NormalizeMIME(mimeType)
	if mimeType == "" {
		mimeType = defaultRecordingMIME
	}
	ext, ok := validation.ExtensionForMIME(mimeType)
	if !ok {
		h.Release()
		return nil, validation.Violations{{
			Reason: validation.ReasonUnsupportedFormat,
			Field:  "format",
			Value:  mimeType,
		}}
	}

	if c.rec != nil {
		c.log.Debug().Str("resource_id", c.rec.res.ID.String()).Msg("Recording superseded")
		c.abortLocked()
	}

	f, err := c.createSpool("rec-", ext)
	if err != nil {
		h.Release()
		return nil, err
	}

	now := c.cfg.Now()
	res := &Resource{
		ID:         uuid.New(),
		QuestionID: questionID,
		Path:       f.Name(),
		MIMEType:   mimeType,
		Extension:  ext,
		CreatedAt:  now,
		status:     StatusRecording,
	}
	c.trackLocked(res)

	rec := &recording{
		res:     res,
		handle:  h,
		file:    f,
		started: now,
		done:    make(chan struct{}),
	}
	c.rec = rec
	go c.pump(rec)

	c.log.Info().
		Str("resource_id", res.ID.String()).
		Str("question_id", questionID.String()).
		Str("mime_type", mimeType).
		Msg("Recording started")
	return res, nil
}

func (c *Capture) pump(rec *recording) {
	w := &cappedWriter{w: rec.file, limit: c.cfg.MaxBytes}
	_, err := io.Copy(w, rec.handle)
	rec.written = w.n
	if err != nil && !errors.Is(err, ErrHardware) {
		err = fmt.Errorf("%w: %v", ErrHardware, err)
	}
	rec.err = err
	close(rec.done)

	if err == nil || rec.aborted.Load() {
		return
	}

	// A failed recording is torn down here unless StopRecording got to it
	// first.
	c.mu.Lock()
	if c.rec == rec {
		c.rec = nil
		rec.handle.Release()
		rec.file.Close()
		c.discardLocked(rec.res)
		c.log.Warn().Err(err).Str("resource_id", rec.res.ID.String()).Msg("Recording failed")
	}
	c.mu.Unlock()

	if c.cfg.Hooks.OnRecordingFailed != nil {
		c.cfg.Hooks.OnRecordingFailed(rec.res, err)
	}
}

// StopRecording finalizes the in-flight recording and releases the device
// handle. On a hardware failure the partial resource is discarded and the
// error wraps ErrHardware. A failure noticed first by the recording itself
// leaves nothing to stop.
func (c *Capture) StopRecording() (*Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.rec
	if rec == nil {
		return nil, ErrNotRecording
	}
	c.rec = nil

	rec.handle.Release()
	<-rec.done
	closeErr := rec.file.Close()

	if rec.err != nil {
		c.discardLocked(rec.res)
		return nil, rec.err
	}
	if closeErr != nil {
		c.discardLocked(rec.res)
		return nil, fmt.Errorf("close spool file: %w", closeErr)
	}

	secs := math.Round(c.cfg.Now().Sub(rec.started).Seconds()*1000) / 1000
	rec.res.finalize(rec.written, &secs, StatusIdle)

	c.log.Info().
		Str("resource_id", rec.res.ID.String()).
		Int64("size", rec.written).
		Float64("duration", secs).
		Msg("Recording finalized")
	return rec.res, nil
}

// Recording reports whether a recording is in progress.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil
}

func (c *Capture) abortLocked() {
	rec := c.rec
	c.rec = nil
	rec.aborted.Store(true)
	rec.handle.Release()
	<-rec.done
	rec.file.Close()
	c.discardLocked(rec.res)
}

// ─── Ownership ──────────────────────────────────────────────────────

// Discard releases a resource held by the capture. Discarding the resource of
// an in-flight recording aborts it.
func (c *Capture) Discard(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.ownedLocked(id)
	if err != nil {
		return err
	}
	if c.rec != nil && c.rec.res == res {
		c.abortLocked()
		return nil
	}
	return c.discardLocked(res)
}

// HandOff moves ownership of a finalized resource to the caller, who becomes
// responsible for releasing it.
func (c *Capture) HandOff(id uuid.UUID) (*Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.ownedLocked(id)
	if err != nil {
		return nil, err
	}
	if c.rec != nil && c.rec.res == res {
		return nil, ErrStillRecording
	}

	delete(c.resources, id)
	c.retired[id] = true
	c.ledger.HandedOff++
	return res, nil
}

// Resource returns a resource still held by the capture.
func (c *Capture) Resource(id uuid.UUID) (*Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.resources[id]
	return res, ok
}

// ResolveDuration records a duration learned after the resource was created,
// from a probe or from the client's player.
func (c *Capture) ResolveDuration(id uuid.UUID, seconds float64) (*Resource, error) {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, seconds)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.ownedLocked(id)
	if err != nil {
		return nil, err
	}
	res.setDuration(seconds)
	return res, nil
}

func (c *Capture) Ledger() Ledger {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.ledger
	l.Live = len(c.resources)
	return l
}

// Close aborts any recording, releases the device and discards every
// resource still held. It is safe to call more than once.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	if c.rec != nil {
		c.abortLocked()
	}
	for _, res := range c.resources {
		c.discardLocked(res)
	}
}

// WaitProbes blocks until background duration probes have finished.
func (c *Capture) WaitProbes() {
	c.probes.Wait()
}

func (c *Capture) ownedLocked(id uuid.UUID) (*Resource, error) {
	if res, ok := c.resources[id]; ok {
		return res, nil
	}
	if c.retired[id] {
		return nil, fmt.Errorf("%w: %s", ErrReleased, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
}

func (c *Capture) trackLocked(res *Resource) {
	c.resources[res.ID] = res
	c.ledger.Created++
}

func (c *Capture) discardLocked(res *Resource) error {
	delete(c.resources, res.ID)
	c.retired[res.ID] = true
	c.ledger.Discarded++

	if err := res.Release(); err != nil && !errors.Is(err, ErrReleased) {
		c.log.Warn().Err(err).Str("resource_id", res.ID.String()).Msg("Release failed")
		return err
	}
	return nil
}

func (c *Capture) createSpool(prefix, ext string) (*os.File, error) {
	if err := os.MkdirAll(c.cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.CreateTemp(c.cfg.SpoolDir, prefix+"*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return f, nil
}

// cappedWriter stops writing past limit+1 bytes but keeps counting, so an
// oversized recording is measured without filling the disk.
type cappedWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	room := cw.limit + 1 - cw.n
	if room > 0 {
		chunk := p
		if int64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		if _, err := cw.w.Write(chunk); err != nil {
			return 0, err
		}
	}
	cw.n += int64(len(p))
	return len(p), nil
}
