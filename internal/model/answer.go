package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerKind discriminates the answer payload.
type AnswerKind string

const (
	AnswerKindOption AnswerKind = "OPTION"
	AnswerKindText   AnswerKind = "TEXT"
	AnswerKindAudio  AnswerKind = "AUDIO"
)

// Payload is exactly one of: a selected option, free text, or a reference to
// an audio resource held by the capture subsystem.
type Payload struct {
	Kind     AnswerKind `json:"kind"`
	OptionID string     `json:"option_id,omitempty"`
	Text     string     `json:"text,omitempty"`
	AudioID  *uuid.UUID `json:"audio_id,omitempty"`
}

// OptionAnswer builds a selected-option payload.
func OptionAnswer(optionID string) Payload {
	return Payload{Kind: AnswerKindOption, OptionID: optionID}
}

// TextAnswer builds a free-text payload.
func TextAnswer(text string) Payload {
	return Payload{Kind: AnswerKindText, Text: text}
}

// AudioAnswer builds an audio-resource reference payload.
func AudioAnswer(resourceID uuid.UUID) Payload {
	return Payload{Kind: AnswerKindAudio, AudioID: &resourceID}
}

// Equal reports whether two payloads carry the same value.
func (p Payload) Equal(o Payload) bool {
	if p.Kind != o.Kind || p.OptionID != o.OptionID || p.Text != o.Text {
		return false
	}
	if p.AudioID == nil || o.AudioID == nil {
		return p.AudioID == o.AudioID
	}
	return *p.AudioID == *o.AudioID
}

// Answer is a learner's response to one question.
type Answer struct {
	QuestionID uuid.UUID `json:"question_id"`
	Payload    Payload   `json:"payload"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetAnswerRequest is the payload for saving an option or text answer.
type SetAnswerRequest struct {
	Kind     AnswerKind `json:"kind" binding:"required,oneof=OPTION TEXT"`
	OptionID string     `json:"option_id" binding:"required_if=Kind OPTION,max=64"`
	Text     string     `json:"text" binding:"max=60000"`
}

// Payload converts the request into an answer payload.
func (r *SetAnswerRequest) Payload() Payload {
	if r.Kind == AnswerKindOption {
		return OptionAnswer(r.OptionID)
	}
	return TextAnswer(r.Text)
}

// ReportDurationRequest carries a client-measured audio duration.
type ReportDurationRequest struct {
	Seconds float64 `json:"seconds" binding:"gt=0"`
}

// NavigateRequest moves the session cursor to a question, or one step in
// a direction.
type NavigateRequest struct {
	QuestionID *uuid.UUID `json:"question_id" binding:"required_without=Direction"`
	Direction  string     `json:"direction" binding:"omitempty,oneof=next prev"`
}
