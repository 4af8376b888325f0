package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCapture(t *testing.T, cfg Config) (*Capture, *RemoteDevice) {
	t.Helper()
	dev := NewRemoteDevice()
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	c := NewCapture(dev, cfg, zerolog.Nop())
	t.Cleanup(c.Close)
	return c, dev
}

func wavBytes(seconds int) []byte {
	const rate = 8000
	data := make([]byte, rate*2*seconds)

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(rate))
	binary.Write(buf, binary.LittleEndian, uint32(rate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func spoolEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func assertBalanced(t *testing.T, l Ledger) {
	t.Helper()
	assert.Equal(t, l.Created, l.Discarded+l.HandedOff+l.Live, "ledger %+v", l)
}

// ─── Recording ──────────────────────────────────────────────────────

func TestCapture_RecordAndStop(t *testing.T) {
	clock := newFakeClock()
	c, dev := newTestCapture(t, Config{Now: clock.Now})
	dev.SetPermission(true)
	qID := uuid.New()

	res, err := c.Record(context.Background(), qID, "audio/webm;codecs=opus")
	require.NoError(t, err)
	assert.Equal(t, StatusRecording, res.Status())
	assert.True(t, c.Recording())

	require.NoError(t, dev.Write([]byte("chunk-one|")))
	require.NoError(t, dev.Write([]byte("chunk-two")))
	clock.Advance(90 * time.Second)

	got, err := c.StopRecording()
	require.NoError(t, err)
	assert.Same(t, res, got)
	assert.False(t, dev.Held())

	info := got.Info()
	assert.Equal(t, StatusIdle, info.Status)
	assert.Equal(t, int64(len("chunk-one|chunk-two")), info.Size)
	require.NotNil(t, info.Duration)
	assert.Equal(t, 90.0, *info.Duration)
	assert.Equal(t, "audio/webm", info.MIMEType)

	content, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, "chunk-one|chunk-two", string(content))

	_, err = c.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)
	assertBalanced(t, c.Ledger())
}

func TestCapture_PermissionDenied(t *testing.T) {
	c, dev := newTestCapture(t, Config{})
	dev.SetPermission(false)

	_, err := c.Record(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, Ledger{}, c.Ledger())

	dev.SetPermission(true)
	_, err = c.Record(context.Background(), uuid.New(), "")
	assert.NoError(t, err)
}

func TestCapture_RequestMicrophoneHonoursContext(t *testing.T) {
	c, _ := newTestCapture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.RequestMicrophone(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCapture_SecondRecordSupersedesFirst(t *testing.T) {
	c, dev := newTestCapture(t, Config{})
	dev.SetPermission(true)
	qID := uuid.New()

	first, err := c.Record(context.Background(), qID, "audio/webm")
	require.NoError(t, err)
	second, err := c.Record(context.Background(), qID, "audio/webm")
	require.NoError(t, err)

	assert.True(t, first.Released())
	_, statErr := os.Stat(first.Path)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, dev.Write([]byte("take two")))
	got, err := c.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, int64(8), got.Size())

	l := c.Ledger()
	assert.Equal(t, 2, l.Created)
	assert.Equal(t, 1, l.Discarded)
	assert.Equal(t, 1, l.Live)
}

// gatedDevice holds its first acquisition until gate is closed, ignoring the
// caller's context, so a later request can be granted first.
type gatedDevice struct {
	*RemoteDevice
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	gate    chan struct{}
}

func (d *gatedDevice) Acquire(ctx context.Context) (Handle, error) {
	d.mu.Lock()
	d.calls++
	first := d.calls == 1
	d.mu.Unlock()
	if first {
		close(d.entered)
		<-d.gate
		return d.RemoteDevice.Acquire(context.Background())
	}
	return d.RemoteDevice.Acquire(ctx)
}

func (c *Capture) requestCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func TestCapture_LaterRecordWinsWhenGrantedOutOfOrder(t *testing.T) {
	remote := NewRemoteDevice()
	remote.SetPermission(true)
	dev := &gatedDevice{RemoteDevice: remote, entered: make(chan struct{}), gate: make(chan struct{})}
	c := NewCapture(dev, Config{SpoolDir: t.TempDir()}, zerolog.Nop())
	t.Cleanup(c.Close)
	qID := uuid.New()

	type result struct {
		res *Resource
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		res, err := c.Record(context.Background(), qID, "audio/webm")
		firstDone <- result{res, err}
	}()
	<-dev.entered

	secondDone := make(chan result, 1)
	go func() {
		res, err := c.Record(context.Background(), qID, "audio/webm")
		secondDone <- result{res, err}
	}()
	require.Eventually(t, func() bool { return c.requestCount() == 2 }, time.Second, 5*time.Millisecond)
	close(dev.gate)

	first := <-firstDone
	assert.ErrorIs(t, first.err, ErrSuperseded)
	second := <-secondDone
	require.NoError(t, second.err)

	assert.True(t, c.Recording())
	assert.True(t, remote.Held())
	require.NoError(t, remote.Write([]byte("take two")))

	got, err := c.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, second.res.ID, got.ID)
	assert.Equal(t, int64(8), got.Size())
	assertBalanced(t, c.Ledger())
}

func TestCapture_LaterRecordCancelsPendingPermission(t *testing.T) {
	c, dev := newTestCapture(t, Config{})
	qID := uuid.New()

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Record(context.Background(), qID, "audio/webm")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return c.requestCount() == 1 }, time.Second, 5*time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := c.Record(context.Background(), qID, "audio/webm")
		secondDone <- err
	}()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("pending request was not superseded")
	}

	dev.SetPermission(true)
	require.NoError(t, <-secondDone)
	assert.True(t, c.Recording())
	assert.True(t, dev.Held())
}

func TestCapture_HardwareFailureMidRecording(t *testing.T) {
	failed := make(chan error, 1)
	c, dev := newTestCapture(t, Config{Hooks: Hooks{
		OnRecordingFailed: func(_ *Resource, err error) { failed <- err },
	}})
	dev.SetPermission(true)

	res, err := c.Record(context.Background(), uuid.New(), "audio/ogg")
	require.NoError(t, err)
	require.NoError(t, dev.Write([]byte("partial")))
	dev.Fail("device unplugged")

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrHardware)
	case <-time.After(time.Second):
		t.Fatal("hardware failure not reported")
	}

	_, err = c.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.True(t, res.Released())
	assert.False(t, dev.Held())

	l := c.Ledger()
	assert.Equal(t, 1, l.Created)
	assert.Equal(t, 1, l.Discarded)
	assert.Equal(t, 0, l.Live)
}

func TestCapture_UnsupportedRecordingFormatReleasesDevice(t *testing.T) {
	c, dev := newTestCapture(t, Config{})
	dev.SetPermission(true)

	_, err := c.Record(context.Background(), uuid.New(), "audio/flac")
	var vs validation.Violations
	require.ErrorAs(t, err, &vs)
	assert.True(t, vs.Has(validation.ReasonUnsupportedFormat))
	assert.False(t, dev.Held())
	assert.Equal(t, Ledger{}, c.Ledger())
}

// ─── Ownership ──────────────────────────────────────────────────────

func TestCapture_DiscardTwiceIsRejected(t *testing.T) {
	c, _ := newTestCapture(t, Config{})
	res, err := c.AcceptUpload(uuid.New(), Upload{Filename: "a.wav", Size: -1, Body: bytes.NewReader(wavBytes(1))})
	require.NoError(t, err)

	require.NoError(t, c.Discard(res.ID))
	assert.ErrorIs(t, c.Discard(res.ID), ErrReleased)
	assert.ErrorIs(t, c.Discard(uuid.New()), ErrUnknownResource)

	l := c.Ledger()
	assert.Equal(t, 1, l.Discarded)
	assertBalanced(t, l)
}

func TestCapture_HandOffTransfersOwnership(t *testing.T) {
	c, dev := newTestCapture(t, Config{})
	dev.SetPermission(true)

	res, err := c.Record(context.Background(), uuid.New(), "audio/webm")
	require.NoError(t, err)
	_, err = c.HandOff(res.ID)
	assert.ErrorIs(t, err, ErrStillRecording)

	_, err = c.StopRecording()
	require.NoError(t, err)

	owned, err := c.HandOff(res.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Discard(res.ID), ErrReleased)

	c.Close()
	assert.False(t, owned.Released(), "close must not release handed-off resources")
	require.NoError(t, owned.Release())
	assert.ErrorIs(t, owned.Release(), ErrReleased)

	l := c.Ledger()
	assert.Equal(t, 1, l.HandedOff)
	assertBalanced(t, l)
}

func TestCapture_CloseReleasesEverything(t *testing.T) {
	dir := t.TempDir()
	c, dev := newTestCapture(t, Config{SpoolDir: dir})
	dev.SetPermission(true)

	_, err := c.AcceptUpload(uuid.New(), Upload{Filename: "a.wav", Size: -1, Body: bytes.NewReader(wavBytes(1))})
	require.NoError(t, err)
	_, err = c.Record(context.Background(), uuid.New(), "audio/webm")
	require.NoError(t, err)
	require.True(t, dev.Held())

	c.Close()
	c.Close()

	assert.False(t, dev.Held())
	assert.False(t, c.Recording())
	assert.Equal(t, 0, spoolEntries(t, dir))

	l := c.Ledger()
	assert.Equal(t, 2, l.Created)
	assert.Equal(t, 2, l.Discarded)
	assert.Equal(t, 0, l.Live)

	_, err = c.Record(context.Background(), uuid.New(), "audio/webm")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCapture_LedgerBalancesAcrossMixedOperations(t *testing.T) {
	c, dev := newTestCapture(t, Config{})
	dev.SetPermission(true)
	ctx := context.Background()

	var handedOff []*Resource
	for i := 0; i < 6; i++ {
		switch i % 3 {
		case 0:
			_, err := c.Record(ctx, uuid.New(), "audio/webm")
			require.NoError(t, err)
			res, err := c.StopRecording()
			require.NoError(t, err)
			owned, err := c.HandOff(res.ID)
			require.NoError(t, err)
			handedOff = append(handedOff, owned)
		case 1:
			res, err := c.AcceptUpload(uuid.New(), Upload{Filename: "x.wav", Size: -1, Body: bytes.NewReader(wavBytes(1))})
			require.NoError(t, err)
			require.NoError(t, c.Discard(res.ID))
		case 2:
			_, err := c.Record(ctx, uuid.New(), "audio/webm")
			require.NoError(t, err)
		}
		assertBalanced(t, c.Ledger())
	}

	c.Close()
	l := c.Ledger()
	assertBalanced(t, l)
	assert.Equal(t, 0, l.Live)
	assert.Equal(t, len(handedOff), l.HandedOff)
	for _, res := range handedOff {
		require.NoError(t, res.Release())
	}
}

// ─── Uploads ────────────────────────────────────────────────────────

func TestCapture_AcceptUploadProbesDuration(t *testing.T) {
	resolved := make(chan *Resource, 1)
	c, _ := newTestCapture(t, Config{
		Prober: FileProber{},
		Hooks:  Hooks{OnDurationResolved: func(r *Resource) { resolved <- r }},
	})

	payload := wavBytes(2)
	res, err := c.AcceptUpload(uuid.New(), Upload{
		Filename: "answer.WAV",
		MIMEType: "audio/x-wav",
		Size:     int64(len(payload)),
		Body:     bytes.NewReader(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, res.Status())
	assert.Equal(t, ".wav", res.Extension)
	assert.Equal(t, int64(len(payload)), res.Size())

	select {
	case r := <-resolved:
		require.NotNil(t, r.Duration())
		assert.InDelta(t, 2.0, *r.Duration(), 0.01)
	case <-time.After(2 * time.Second):
		t.Fatal("duration not resolved")
	}
	c.WaitProbes()
}

func TestCapture_AcceptUploadTooLargeCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCapture(t, Config{SpoolDir: dir})

	_, err := c.AcceptUpload(uuid.New(), Upload{
		Filename: "long.mp3",
		MIMEType: "audio/mpeg",
		Size:     60 * 1024 * 1024,
		Body:     strings.NewReader("irrelevant"),
	})
	var vs validation.Violations
	require.ErrorAs(t, err, &vs)
	assert.True(t, vs.Has(validation.ReasonFileTooLarge))
	assert.Equal(t, Ledger{}, c.Ledger())
	assert.Equal(t, 0, spoolEntries(t, dir))
}

func TestCapture_AcceptUploadUndeclaredSizeOverCap(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCapture(t, Config{SpoolDir: dir, MaxBytes: 4096})

	_, err := c.AcceptUpload(uuid.New(), Upload{Filename: "a.wav", Size: -1, Body: bytes.NewReader(wavBytes(1))})
	var vs validation.Violations
	require.ErrorAs(t, err, &vs)
	assert.True(t, vs.Has(validation.ReasonFileTooLarge))
	assert.Equal(t, 0, c.Ledger().Created)
	assert.Equal(t, 0, spoolEntries(t, dir))
}

func TestCapture_AcceptUploadSniffsContent(t *testing.T) {
	c, _ := newTestCapture(t, Config{})

	_, err := c.AcceptUpload(uuid.New(), Upload{
		Filename: "notes.mp3",
		Size:     -1,
		Body:     strings.NewReader("these are my speaking notes, not audio"),
	})
	var vs validation.Violations
	require.ErrorAs(t, err, &vs)
	assert.True(t, vs.Has(validation.ReasonUnsupportedFormat))
	assert.Equal(t, 0, c.Ledger().Created)
}

func TestCapture_ResolveDuration(t *testing.T) {
	c, _ := newTestCapture(t, Config{})
	res, err := c.AcceptUpload(uuid.New(), Upload{Filename: "a.wav", Size: -1, Body: bytes.NewReader(wavBytes(1))})
	require.NoError(t, err)

	_, err = c.ResolveDuration(res.ID, -3)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	got, err := c.ResolveDuration(res.ID, 42.5)
	require.NoError(t, err)
	assert.Equal(t, 42.5, *got.Duration())
	assert.Equal(t, 42.5, *got.AudioInput().Duration)
}
