package submission

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/validation"
)

// Request is a finalized answer set. Audio resources are borrowed: the
// pipeline reads them but ownership stays with the caller until HandOff.
type Request struct {
	Session *model.Session
	Answers []model.Answer
	Audio   map[uuid.UUID]*media.Resource
	Forced  bool
}

// BuildPayload converts a request into the evaluation payload: option IDs for
// objective answers, text plus word count for essays, metadata plus bytes for
// audio.
func BuildPayload(req Request, now time.Time) (*Payload, error) {
	sess := req.Session
	questions := make(map[uuid.UUID]model.Question)
	for _, q := range sess.Questions() {
		questions[q.ID] = q
	}

	p := &Payload{
		AttemptID:   sess.AttemptID,
		ExerciseID:  sess.ExerciseID,
		LearnerID:   sess.LearnerID,
		Skill:       sess.Skill,
		Forced:      req.Forced,
		SubmittedAt: now,
		Answers:     make([]SubmittedAnswer, 0, len(req.Answers)),
	}

	for _, a := range req.Answers {
		sa := SubmittedAnswer{QuestionID: a.QuestionID, Kind: a.Payload.Kind}

		switch a.Payload.Kind {
		case model.AnswerKindOption:
			sa.OptionID = a.Payload.OptionID

		case model.AnswerKindText:
			sa.Text = a.Payload.Text
			if questions[a.QuestionID].QuestionType == model.QuestionTypeEssay {
				wc := validation.WordCount(a.Payload.Text)
				sa.WordCount = &wc
			}

		case model.AnswerKindAudio:
			if a.Payload.AudioID == nil {
				return nil, fmt.Errorf("%w: question %s", ErrMissingAudio, a.QuestionID)
			}
			res, ok := req.Audio[*a.Payload.AudioID]
			if !ok || res == nil {
				return nil, fmt.Errorf("%w: question %s", ErrMissingAudio, a.QuestionID)
			}
			info := res.Info()
			fileName := a.QuestionID.String() + info.Extension
			sa.Audio = &AudioMeta{
				ResourceID: info.ID,
				FileName:   fileName,
				Size:       info.Size,
				Duration:   info.Duration,
				MIMEType:   info.MIMEType,
			}
			p.Audio = append(p.Audio, AudioPart{
				QuestionID: a.QuestionID,
				FileName:   fileName,
				MIMEType:   info.MIMEType,
				Open: func() (io.ReadCloser, error) {
					f, err := res.Open()
					if err != nil {
						return nil, err
					}
					return f, nil
				},
			})
		}

		p.Answers = append(p.Answers, sa)
	}
	return p, nil
}
