package submission

import (
	"testing"

	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		raw     string
		skill   model.SkillType
		want    Status
	}{
		{"pending to transcribing for speaking", StatusPending, "transcribing", model.SkillSpeaking, StatusTranscribing},
		{"transcribing skipped for writing", StatusPending, "transcribing", model.SkillWriting, StatusPending},
		{"pending to processing", StatusPending, "processing", model.SkillWriting, StatusProcessing},
		{"processing to completed", StatusProcessing, "COMPLETED", model.SkillWriting, StatusCompleted},
		{"pending straight to completed", StatusPending, "completed", model.SkillReading, StatusCompleted},
		{"failed from transcribing", StatusTranscribing, "failed", model.SkillSpeaking, StatusFailed},
		{"never backward", StatusProcessing, "pending", model.SkillWriting, StatusProcessing},
		{"completed is terminal", StatusCompleted, "failed", model.SkillWriting, StatusCompleted},
		{"failed is terminal", StatusFailed, "processing", model.SkillWriting, StatusFailed},
		{"unknown keeps current", StatusTranscribing, "queued_for_review", model.SkillSpeaking, StatusTranscribing},
		{"unknown is never failed", StatusPending, "error_retrying", model.SkillWriting, StatusPending},
		{"empty current is pending", "", "weird", model.SkillWriting, StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reconcile(tt.current, tt.raw, tt.skill))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusTranscribing.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("  Processing ")
	assert.True(t, ok)
	assert.Equal(t, StatusProcessing, s)

	_, ok = ParseStatus("archived")
	assert.False(t, ok)
}
