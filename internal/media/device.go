package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Device is an audio input that must be acquired before recording.
type Device interface {
	// Acquire blocks until the input is granted, refused (ErrPermissionDenied)
	// or ctx is done.
	Acquire(ctx context.Context) (Handle, error)
}

// Handle is an acquired input stream. Read returns io.EOF once the stream is
// released; any other error is a hardware failure. Release is idempotent.
type Handle interface {
	io.Reader
	Release() error
}

// RemoteDevice is a microphone living on the learner's client. The client
// answers the permission prompt, streams chunks with Write, and reports
// hardware faults with Fail.
type RemoteDevice struct {
	mu        sync.Mutex
	decided   chan struct{}
	hasAnswer bool
	granted   bool
	current   *remoteHandle
}

func NewRemoteDevice() *RemoteDevice {
	return &RemoteDevice{decided: make(chan struct{})}
}

// SetPermission records the learner's answer to the microphone prompt. It may
// be called again when the learner is re-prompted.
func (d *RemoteDevice) SetPermission(granted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.granted = granted
	if !d.hasAnswer {
		d.hasAnswer = true
		close(d.decided)
	}
}

func (d *RemoteDevice) Acquire(ctx context.Context) (Handle, error) {
	select {
	case <-d.decided:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	if !d.granted {
		d.mu.Unlock()
		return nil, ErrPermissionDenied
	}

	// The input is exclusive: a new acquisition ends the previous stream.
	prev := d.current
	pr, pw := io.Pipe()
	h := &remoteHandle{device: d, pr: pr, pw: pw}
	d.current = h
	d.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return h, nil
}

// Write appends one chunk of captured audio. It blocks until the recorder has
// consumed it.
func (d *RemoteDevice) Write(chunk []byte) error {
	d.mu.Lock()
	h := d.current
	d.mu.Unlock()
	if h == nil {
		return ErrNotRecording
	}
	if _, err := h.pw.Write(chunk); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrNotRecording
		}
		return err
	}
	return nil
}

// Fail aborts the current stream with a hardware error.
func (d *RemoteDevice) Fail(cause string) {
	d.mu.Lock()
	h := d.current
	d.current = nil
	d.mu.Unlock()
	if h != nil {
		h.pw.CloseWithError(fmt.Errorf("%w: %s", ErrHardware, cause))
	}
}

// Held reports whether a handle is currently acquired.
func (d *RemoteDevice) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

type remoteHandle struct {
	device *RemoteDevice
	pr     *io.PipeReader
	pw     *io.PipeWriter
	once   sync.Once
}

func (h *remoteHandle) Read(p []byte) (int, error) {
	return h.pr.Read(p)
}

// Release ends the stream. Chunks already written are still readable before
// the reader sees io.EOF.
func (h *remoteHandle) Release() error {
	h.once.Do(func() {
		h.pw.Close()
		h.device.mu.Lock()
		if h.device.current == h {
			h.device.current = nil
		}
		h.device.mu.Unlock()
	})
	return nil
}
