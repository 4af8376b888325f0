package submission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) Create(ctx context.Context, p *Payload) (Receipt, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(Receipt), args.Error(1)
}

func (m *mockEvaluator) Status(ctx context.Context, id string) (Observation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Observation), args.Error(1)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type recordingScheduler struct {
	ids []string
}

func (s *recordingScheduler) Schedule(_ context.Context, id string, _ time.Time) error {
	s.ids = append(s.ids, id)
	return nil
}

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func writingSession() *model.Session {
	return &model.Session{
		AttemptID:  uuid.New(),
		ExerciseID: uuid.New(),
		LearnerID:  7,
		Skill:      model.SkillWriting,
		Sections: []model.Section{{
			ID: uuid.New(),
			Questions: []model.Question{
				{ID: uuid.New(), QuestionType: model.QuestionTypeEssay, TaskType: model.TaskType2},
			},
		}},
	}
}

func speakingSession() *model.Session {
	return &model.Session{
		AttemptID:  uuid.New(),
		ExerciseID: uuid.New(),
		LearnerID:  9,
		Skill:      model.SkillSpeaking,
		Sections: []model.Section{{
			ID: uuid.New(),
			Questions: []model.Question{
				{ID: uuid.New(), QuestionType: model.QuestionTypeSpeaking},
			},
		}},
	}
}

func newTestPipeline(ev Evaluator, store Store, sink EventSink, sched Scheduler) *Pipeline {
	return NewPipeline(ev, store, zerolog.Nop(),
		WithEventSink(sink),
		WithScheduler(sched, 5*time.Second),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func recordAudio(t *testing.T, questionID uuid.UUID, content string) (*media.Capture, *media.Resource) {
	t.Helper()
	dev := media.NewRemoteDevice()
	dev.SetPermission(true)
	c := media.NewCapture(dev, media.Config{SpoolDir: t.TempDir()}, zerolog.Nop())
	t.Cleanup(c.Close)

	_, err := c.Record(context.Background(), questionID, "audio/webm")
	require.NoError(t, err)
	require.NoError(t, dev.Write([]byte(content)))
	res, err := c.StopRecording()
	require.NoError(t, err)
	return c, res
}

func TestPipeline_SubmitWritingCreatesPending(t *testing.T) {
	sess := writingSession()
	qID := sess.Sections[0].Questions[0].ID
	ev := new(mockEvaluator)
	store := NewMemoryStore()
	sink := &recordingSink{}
	sched := &recordingScheduler{}

	ev.On("Create", mock.Anything, mock.MatchedBy(func(p *Payload) bool {
		return len(p.Answers) == 1 && p.Answers[0].WordCount != nil && *p.Answers[0].WordCount == 3
	})).Return(Receipt{ID: "sub-1", Status: "queued"}, nil)

	p := newTestPipeline(ev, store, sink, sched)
	sub, err := p.Submit(context.Background(), Request{
		Session: sess,
		Answers: []model.Answer{{QuestionID: qID, Payload: model.TextAnswer("three little words")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, StatusPending, sub.Status)
	assert.False(t, sub.Retryable())

	stored, err := store.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, sess.AttemptID, stored.AttemptID)

	assert.Equal(t, []EventType{EventCreated}, sink.types())
	assert.Equal(t, []string{"sub-1"}, sched.ids)
	ev.AssertExpectations(t)
}

func TestPipeline_SubmitFailureIsNotRetried(t *testing.T) {
	sess := writingSession()
	ev := new(mockEvaluator)
	ev.On("Create", mock.Anything, mock.Anything).Return(Receipt{}, errors.New("connection reset")).Once()
	store := NewMemoryStore()
	sink := &recordingSink{}

	p := newTestPipeline(ev, store, sink, &recordingScheduler{})
	_, err := p.Submit(context.Background(), Request{Session: sess})
	assert.ErrorIs(t, err, ErrCreateFailed)

	ev.AssertNumberOfCalls(t, "Create", 1)
	assert.Empty(t, sink.types())
}

func TestPipeline_SubmitSpeakingCarriesAudio(t *testing.T) {
	sess := speakingSession()
	qID := sess.Sections[0].Questions[0].ID
	_, res := recordAudio(t, qID, "opus-bytes")

	ev := new(mockEvaluator)
	var got *Payload
	ev.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(*Payload) }).
		Return(Receipt{ID: "sub-audio"}, nil)

	p := newTestPipeline(ev, NewMemoryStore(), &recordingSink{}, &recordingScheduler{})
	_, err := p.Submit(context.Background(), Request{
		Session: sess,
		Answers: []model.Answer{{QuestionID: qID, Payload: model.AudioAnswer(res.ID)}},
		Audio:   map[uuid.UUID]*media.Resource{res.ID: res},
		Forced:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Forced)

	require.Len(t, got.Answers, 1)
	meta := got.Answers[0].Audio
	require.NotNil(t, meta)
	assert.Equal(t, int64(len("opus-bytes")), meta.Size)
	assert.Equal(t, "audio/webm", meta.MIMEType)
	require.NotNil(t, meta.Duration)

	require.Len(t, got.Audio, 1)
	rc, err := got.Audio[0].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "opus-bytes", string(data))
}

func TestPipeline_SubmitMissingAudio(t *testing.T) {
	sess := speakingSession()
	qID := sess.Sections[0].Questions[0].ID
	ev := new(mockEvaluator)

	p := newTestPipeline(ev, NewMemoryStore(), nil, nil)
	_, err := p.Submit(context.Background(), Request{
		Session: sess,
		Answers: []model.Answer{{QuestionID: qID, Payload: model.AudioAnswer(uuid.New())}},
	})
	assert.ErrorIs(t, err, ErrCreateFailed)
	assert.ErrorIs(t, err, ErrMissingAudio)
	ev.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestPipeline_RefreshStatusWalksForward(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Submission{
		ID: "sub-2", Skill: model.SkillSpeaking, Status: StatusPending,
	}))
	sink := &recordingSink{}
	ev := new(mockEvaluator)
	result := json.RawMessage(`{"band":6.5}`)
	ev.On("Status", mock.Anything, "sub-2").Return(Observation{Status: "transcribing"}, nil).Once()
	ev.On("Status", mock.Anything, "sub-2").Return(Observation{Status: "shadow_review"}, nil).Once()
	ev.On("Status", mock.Anything, "sub-2").Return(Observation{Status: "processing"}, nil).Once()
	ev.On("Status", mock.Anything, "sub-2").Return(Observation{Status: "completed", Result: result}, nil).Once()

	p := newTestPipeline(ev, store, sink, nil)
	ctx := context.Background()

	want := []Status{StatusTranscribing, StatusTranscribing, StatusProcessing, StatusCompleted}
	for _, w := range want {
		sub, err := p.RefreshStatus(ctx, "sub-2")
		require.NoError(t, err)
		assert.Equal(t, w, sub.Status)
	}

	sub, err := p.RefreshStatus(ctx, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sub.Status)
	assert.JSONEq(t, `{"band":6.5}`, string(sub.Result))

	ev.AssertNumberOfCalls(t, "Status", 4)
	assert.Equal(t, []EventType{EventStatusChanged, EventStatusChanged, EventStatusChanged}, sink.types())
}

func TestPipeline_RefreshStatusTransportErrorIsNotFailure(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Submission{
		ID: "sub-3", Skill: model.SkillWriting, Status: StatusProcessing,
	}))
	ev := new(mockEvaluator)
	ev.On("Status", mock.Anything, "sub-3").Return(Observation{}, errors.New("503 service unavailable"))

	p := newTestPipeline(ev, store, nil, nil)
	sub, err := p.RefreshStatus(context.Background(), "sub-3")
	assert.ErrorIs(t, err, ErrStatusUnavailable)
	require.NotNil(t, sub)
	assert.Equal(t, StatusProcessing, sub.Status)
}

func TestPipeline_FailedIsTerminalAndRetryable(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Submission{
		ID: "sub-4", Skill: model.SkillWriting, Status: StatusProcessing,
	}))
	ev := new(mockEvaluator)
	ev.On("Status", mock.Anything, "sub-4").Return(Observation{Status: "failed"}, nil).Once()

	p := newTestPipeline(ev, store, nil, nil)
	sub, err := p.RefreshStatus(context.Background(), "sub-4")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
	assert.True(t, sub.Retryable())

	sub, err = p.RefreshStatus(context.Background(), "sub-4")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
	ev.AssertNumberOfCalls(t, "Status", 1)
}

func TestPipeline_AdoptReleasesAudio(t *testing.T) {
	qID := uuid.New()
	c, res := recordAudio(t, qID, "bytes")
	owned, err := c.HandOff(res.ID)
	require.NoError(t, err)

	p := newTestPipeline(new(mockEvaluator), NewMemoryStore(), nil, nil)
	p.Adopt(owned)
	assert.True(t, owned.Released())
}

func TestMemoryStore_UpdateStatusIsGuarded(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Submission{ID: "s", Status: StatusPending}))

	err := store.UpdateStatus(ctx, "s", StatusProcessing, StatusCompleted, "completed", nil, fixedNow)
	assert.ErrorIs(t, err, ErrStaleStatus)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
