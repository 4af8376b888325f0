package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-skills/internal/validation"
)

const sniffLen = 3072

// Upload is an audio file offered by the learner. Size is -1 when the client
// did not declare it.
type Upload struct {
	Filename string
	MIMEType string
	Size     int64
	Body     io.Reader
}

// AcceptUpload spools an uploaded file as a new resource. The cheap checks
// (declared size, extension, declared and sniffed format) run before anything
// is kept; on failure the returned error is validation.Violations and no
// resource exists.
func (c *Capture) AcceptUpload(questionID uuid.UUID, up Upload) (*Resource, error) {
	ext := strings.ToLower(filepath.Ext(up.Filename))
	declared := validation.AudioInput{
		Size:      max(up.Size, 0),
		Extension: ext,
		MIMEType:  up.MIMEType,
	}
	if vs := validation.ValidateAudio(declared); !vs.OK() {
		return nil, vs
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	sniffed := mimetype.Detect(head)
	mimeType, ok := allowedSniffed(sniffed)
	if !ok {
		return nil, validation.Violations{{
			Reason: validation.ReasonUnsupportedFormat,
			Field:  "format",
			Value:  sniffed.String(),
		}}
	}
	if ext == "" {
		ext, _ = validation.ExtensionForMIME(mimeType)
	}

	f, err := c.createSpool("upl-", ext)
	if err != nil {
		return nil, err
	}
	body := io.MultiReader(bytes.NewReader(head), up.Body)
	written, copyErr := io.Copy(f, io.LimitReader(body, c.cfg.MaxBytes+1))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		os.Remove(f.Name())
		return nil, fmt.Errorf("spool upload: %w", copyErr)
	case closeErr != nil:
		os.Remove(f.Name())
		return nil, fmt.Errorf("close spool file: %w", closeErr)
	case written > c.cfg.MaxBytes:
		os.Remove(f.Name())
		return nil, validation.Violations{{
			Reason:   validation.ReasonFileTooLarge,
			Field:    "size_bytes",
			Measured: float64(written),
			Limit:    float64(c.cfg.MaxBytes),
		}}
	}

	res := &Resource{
		ID:         uuid.New(),
		QuestionID: questionID,
		Path:       f.Name(),
		MIMEType:   mimeType,
		Extension:  ext,
		CreatedAt:  c.cfg.Now(),
	}
	res.finalize(written, nil, StatusUploaded)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		os.Remove(f.Name())
		return nil, ErrClosed
	}
	c.trackLocked(res)
	c.mu.Unlock()

	c.log.Info().
		Str("resource_id", res.ID.String()).
		Str("question_id", questionID.String()).
		Str("mime_type", mimeType).
		Int64("size", written).
		Msg("Upload accepted")

	c.probeAsync(res)
	return res, nil
}

// allowedSniffed maps a detected content type, or one of its aliases, onto
// the allow-list.
func allowedSniffed(m *mimetype.MIME) (string, bool) {
	for _, allowed := range validation.AllowedMIMETypes() {
		if m.Is(allowed) {
			return allowed, true
		}
	}
	return "", false
}

func (c *Capture) probeAsync(res *Resource) {
	if c.cfg.Prober == nil {
		return
	}
	c.probes.Add(1)
	go func() {
		defer c.probes.Done()

		seconds, err := c.cfg.Prober.Duration(res.Path, res.MIMEType)
		if err != nil {
			c.log.Debug().Err(err).Str("resource_id", res.ID.String()).Msg("Duration probe skipped")
			return
		}
		if _, err := c.ResolveDuration(res.ID, seconds); err != nil {
			return
		}
		if c.cfg.Hooks.OnDurationResolved != nil {
			c.cfg.Hooks.OnDurationResolved(res)
		}
	}()
}
