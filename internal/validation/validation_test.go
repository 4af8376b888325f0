package validation

import (
	"strings"
	"testing"

	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func floatPtr(f float64) *float64 { return &f }

func TestValidateEssay_WordBounds(t *testing.T) {
	tests := []struct {
		name   string
		words  int
		task   model.TaskType
		reason Reason
	}{
		{"task2 249 words", 249, model.TaskType2, ReasonTooShort},
		{"task2 250 words", 250, model.TaskType2, ""},
		{"task1 149 words", 149, model.TaskType1, ReasonTooShort},
		{"task1 150 words", 150, model.TaskType1, ""},
		{"unknown task uses task2 minimum", 200, "", ReasonTooShort},
		{"max words", MaxWords, model.TaskType1, ""},
		{"over max words", MaxWords + 1, model.TaskType1, ReasonTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateEssay(words(tt.words), tt.task)
			if tt.reason == "" {
				assert.True(t, got.OK(), got.Error())
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.reason, got[0].Reason)
			assert.Equal(t, float64(tt.words), got[0].Measured)
		})
	}
}

func TestValidateEssay_ReportsBound(t *testing.T) {
	got := ValidateEssay(words(249), model.TaskType2)
	require.Len(t, got, 1)
	assert.Equal(t, "word_count", got[0].Field)
	assert.Equal(t, float64(MinWordsTask2), got[0].Limit)
}

func TestValidateEssay_CharacterCeiling(t *testing.T) {
	long := strings.Repeat("a", 200) + " "
	text := strings.Repeat(long, 251)

	got := ValidateEssay(text, model.TaskType2)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonTooLong, got[0].Reason)
	assert.Equal(t, "characters", got[0].Field)
	assert.Equal(t, float64(MaxCharacters), got[0].Limit)
}

func TestWordCount_IgnoresExtraWhitespace(t *testing.T) {
	assert.Equal(t, 0, WordCount(""))
	assert.Equal(t, 0, WordCount(" \n\t "))
	assert.Equal(t, 3, WordCount("  one\ttwo\n\nthree  "))
}

func TestValidateEssay_Idempotent(t *testing.T) {
	text := words(120)
	assert.Equal(t, ValidateEssay(text, model.TaskType1), ValidateEssay(text, model.TaskType1))
}

func TestValidateAudio_DurationRegardlessOfSizeAndFormat(t *testing.T) {
	in := AudioInput{Size: MaxAudioBytes + 1, Extension: ".exe", Duration: floatPtr(301)}
	got := ValidateAudio(in)
	assert.True(t, got.Has(ReasonDurationExceeded))
	assert.True(t, got.Has(ReasonFileTooLarge))
	assert.True(t, got.Has(ReasonUnsupportedFormat))

	ok := ValidateAudio(AudioInput{Size: 1024, Extension: ".wav", Duration: floatPtr(300)})
	assert.True(t, ok.OK())
}

func TestValidateAudio_SizeWithUnknownDuration(t *testing.T) {
	got := ValidateAudio(AudioInput{Size: 60 * 1024 * 1024, MIMEType: "audio/mpeg"})
	require.Len(t, got, 1)
	assert.Equal(t, ReasonFileTooLarge, got[0].Reason)
	assert.Equal(t, float64(60*1024*1024), got[0].Measured)

	atLimit := ValidateAudio(AudioInput{Size: MaxAudioBytes, MIMEType: "audio/mpeg"})
	assert.True(t, atLimit.OK())
}

func TestValidateAudio_ReentrantOnceDurationResolves(t *testing.T) {
	in := AudioInput{Size: 2048, MIMEType: "audio/webm;codecs=opus"}
	assert.True(t, ValidateAudio(in).OK())

	in.Duration = floatPtr(412.5)
	got := ValidateAudio(in)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonDurationExceeded, got[0].Reason)
	assert.Equal(t, 412.5, got[0].Measured)
}

func TestValidateAudio_Format(t *testing.T) {
	tests := []struct {
		ext, mime string
		ok        bool
	}{
		{".mp3", "", true},
		{"WAV", "", true},
		{"", "audio/x-m4a", true},
		{".webm", "audio/webm; codecs=opus", true},
		{".flac", "", false},
		{".mp3", "text/plain", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got := ValidateAudio(AudioInput{Size: 10, Extension: tt.ext, MIMEType: tt.mime})
		assert.Equal(t, tt.ok, got.OK(), "ext=%q mime=%q", tt.ext, tt.mime)
	}
}

func TestViolations_Err(t *testing.T) {
	var none Violations
	assert.NoError(t, none.Err())

	err := Missing("answer").Err()
	require.Error(t, err)
	var vs Violations
	require.ErrorAs(t, err, &vs)
	assert.True(t, vs.Has(ReasonMissingAnswer))
}
