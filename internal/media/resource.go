package media

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-skills/internal/validation"
)

// Status of an audio resource.
type Status string

const (
	StatusRecording Status = "recording"
	StatusIdle      Status = "idle"
	StatusUploaded  Status = "uploaded"
)

// Resource is a recorded or uploaded audio artifact backed by a spool file.
// The spool file is the playable handle; Release removes it. Exactly one owner
// may release a resource: the Capture while it holds it, or whoever received
// it through HandOff.
type Resource struct {
	ID         uuid.UUID
	QuestionID uuid.UUID
	Path       string
	MIMEType   string
	Extension  string
	CreatedAt  time.Time

	mu       sync.Mutex
	size     int64
	duration *float64
	status   Status
	released bool
}

// Info is a point-in-time view of a resource, safe to serialize.
type Info struct {
	ID         uuid.UUID `json:"id"`
	QuestionID uuid.UUID `json:"question_id"`
	Size       int64     `json:"size_bytes"`
	Duration   *float64  `json:"duration_seconds,omitempty"`
	MIMEType   string    `json:"mime_type"`
	Extension  string    `json:"extension"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *Resource) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		ID:         r.ID,
		QuestionID: r.QuestionID,
		Size:       r.size,
		Duration:   copyFloat(r.duration),
		MIMEType:   r.MIMEType,
		Extension:  r.Extension,
		Status:     r.status,
		CreatedAt:  r.CreatedAt,
	}
}

func (r *Resource) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Duration returns nil until the duration has been resolved.
func (r *Resource) Duration() *float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyFloat(r.duration)
}

func (r *Resource) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// AudioInput describes the resource to the validation engine.
func (r *Resource) AudioInput() validation.AudioInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return validation.AudioInput{
		Size:      r.size,
		Extension: r.Extension,
		MIMEType:  r.MIMEType,
		Duration:  copyFloat(r.duration),
	}
}

// Open returns a reader over the spool file.
func (r *Resource) Open() (*os.File, error) {
	if r.Released() {
		return nil, ErrReleased
	}
	return os.Open(r.Path)
}

// Release deletes the spool file. A second call returns ErrReleased.
func (r *Resource) Release() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return ErrReleased
	}
	r.released = true
	r.mu.Unlock()

	if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

func (r *Resource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *Resource) finalize(size int64, duration *float64, status Status) {
	r.mu.Lock()
	r.size = size
	if duration != nil {
		r.duration = copyFloat(duration)
	}
	r.status = status
	r.mu.Unlock()
}

func (r *Resource) setDuration(seconds float64) {
	r.mu.Lock()
	r.duration = &seconds
	r.mu.Unlock()
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
