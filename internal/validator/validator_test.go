package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordStart struct {
	QuestionID string `json:"q_id" binding:"required,uuid"`
	MIMEType   string `json:"mime_type" binding:"audio_mime"`
}

func TestStruct_TranslatesWithJSONNames(t *testing.T) {
	Setup()

	fields := Struct(&recordStart{MIMEType: "audio/flac"})
	assert.Contains(t, fields, "q_id")
	assert.Contains(t, fields, "mime_type")
	assert.Contains(t, fields["mime_type"], "audio/webm")

	assert.Nil(t, Struct(&recordStart{QuestionID: "0b7c4a9e-3f1d-4c55-9b59-5d0f7f7c1a10", MIMEType: "audio/webm;codecs=opus"}))
	assert.Nil(t, Struct(&recordStart{QuestionID: "0b7c4a9e-3f1d-4c55-9b59-5d0f7f7c1a10"}))
}
