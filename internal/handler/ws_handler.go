package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/middleware"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/response"
	"github.com/stemsi/exstem-skills/internal/service"
	"github.com/stemsi/exstem-skills/internal/session"
	"github.com/stemsi/exstem-skills/internal/validation"
	"github.com/stemsi/exstem-skills/internal/validator"
	ws "github.com/stemsi/exstem-skills/internal/websocket"
)

// eventBuffer bounds how far a slow client may fall behind before events
// are dropped. The snapshot endpoint lets it catch up.
const eventBuffer = 64

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams session events and carries the remote microphone.
type WSHandler struct {
	sessions    *service.SessionService
	submissions *service.SubmissionService
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

func NewWSHandler(sessions *service.SessionService, submissions *service.SubmissionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions:    sessions,
		submissions: submissions,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/learner/sessions/:session_id/stream
// Pushes session events and accepts answer, recording and submit actions.
// Binary frames carry recorded audio between record_start and record_stop.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	ctrl, err := h.sessions.Get(claims.LearnerID, attemptID)
	if err != nil {
		fail(c, err, nil)
		return
	}
	device, err := h.sessions.Device(claims.LearnerID, attemptID)
	if err != nil {
		fail(c, err, nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("learner_id", claims.LearnerID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("Learner connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := ws.NewWriter(conn)
	events := make(chan session.Event, eventBuffer)
	unsubscribe := ctrl.Subscribe(func(ev session.Event) {
		select {
		case events <- ev:
		default:
			wsLog.Debug().Str("event", string(ev.Type)).Msg("Client behind, event dropped")
		}
	})
	defer unsubscribe()

	if err := w.WriteTyped(ws.SnapshotResponse{Event: ws.EventSnapshot, Session: ctrl.View()}); err != nil {
		return
	}
	go pushEvents(ctx, w, events)

	s := &streamSession{ctx: ctx, ctrl: ctrl, device: device, w: w, log: wsLog,
		submit: func(ctx context.Context) (interface{}, error) {
			return h.sessions.Submit(ctx, claims.LearnerID, attemptID)
		},
	}
	defer s.stopRecording()

	for {
		msgType, data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			s.audioChunk(data)
			continue
		}
		s.dispatch(data)
	}
}

func pushEvents(ctx context.Context, w *ws.Writer, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := w.WriteTyped(ev); err != nil {
				return
			}
		}
	}
}

// streamSession handles the client actions of one session connection.
type streamSession struct {
	ctx    context.Context
	ctrl   *session.Controller
	device *media.RemoteDevice
	w      *ws.Writer
	log    zerolog.Logger
	submit func(ctx context.Context) (interface{}, error)
}

func (s *streamSession) dispatch(data []byte) {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.w.WriteError("", "invalid message")
		return
	}

	switch env.Action {
	case ws.ActionPing:
		s.w.WriteTyped(ws.PongResponse{Event: ws.EventPong})
	case ws.ActionAutosave:
		s.autosave(data)
	case ws.ActionRecordStart:
		s.recordStart(data)
	case ws.ActionRecordStop:
		s.recordStop()
	case ws.ActionRecordError:
		var req ws.RecordErrorRequest
		_ = json.Unmarshal(data, &req)
		s.device.Fail(req.Payload)
		s.log.Warn().Str("cause", req.Payload).Msg("Client reported recording failure")
		s.success(ws.ActionRecordError, nil)
	case ws.ActionSubmit:
		go s.submitAsync()
	default:
		s.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		s.w.WriteError(env.Action, "unknown action: "+string(env.Action))
	}
}

func (s *streamSession) autosave(data []byte) {
	var req ws.AutosaveRequest
	if !s.decode(ws.ActionAutosave, data, &req) {
		return
	}
	qID := uuid.MustParse(req.QID)

	payload := model.TextAnswer(req.Text)
	if req.OptionID != "" {
		payload = model.OptionAnswer(req.OptionID)
	}
	if err := s.ctrl.SetAnswer(qID, payload); err != nil {
		s.fail(ws.ActionAutosave, err)
		return
	}
	violations, _ := s.ctrl.Validate(qID)
	s.success(ws.ActionAutosave, gin.H{"q_id": qID, "violations": nonNil(violations)})
}

func (s *streamSession) recordStart(data []byte) {
	var req ws.RecordStartRequest
	if !s.decode(ws.ActionRecordStart, data, &req) {
		return
	}

	s.device.SetPermission(req.Permission)
	info, err := s.ctrl.StartRecording(s.ctx, uuid.MustParse(req.QID), req.MIMEType)
	if err != nil {
		s.fail(ws.ActionRecordStart, err)
		return
	}
	s.success(ws.ActionRecordStart, gin.H{"audio": info})
}

func (s *streamSession) recordStop() {
	info, violations, err := s.ctrl.StopRecording()
	if err != nil {
		s.fail(ws.ActionRecordStop, err)
		return
	}
	s.success(ws.ActionRecordStop, gin.H{"audio": info, "violations": nonNil(violations)})
}

func (s *streamSession) audioChunk(chunk []byte) {
	if err := s.device.Write(chunk); err != nil {
		if errors.Is(err, media.ErrNotRecording) {
			s.w.WriteError(ws.ActionRecordStart, "no recording in progress")
			return
		}
		s.log.Warn().Err(err).Msg("Audio chunk rejected")
	}
}

func (s *streamSession) submitAsync() {
	// A dropped connection must not cancel a submit in flight.
	sub, err := s.submit(context.Background())
	if err != nil {
		s.fail(ws.ActionSubmit, err)
		return
	}
	s.success(ws.ActionSubmit, gin.H{"submission": sub})
}

// stopRecording keeps what was streamed when the connection drops
// mid-recording.
func (s *streamSession) stopRecording() {
	if _, _, err := s.ctrl.StopRecording(); err == nil {
		s.log.Info().Msg("Recording finalized on disconnect")
	}
}

func (s *streamSession) decode(action ws.Action, data []byte, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.w.WriteError(action, "invalid payload")
		return false
	}
	if fields := validator.Struct(v); fields != nil {
		s.w.WriteTyped(ws.ErrorResponse{
			Event:  ws.EventError,
			Action: action,
			Error:  string(response.ErrValidation),
			Fields: fields,
		})
		return false
	}
	return true
}

func (s *streamSession) success(action ws.Action, data interface{}) {
	s.w.WriteTyped(ws.SuccessResponse{Event: ws.EventSuccess, Action: action, Data: data})
}

func (s *streamSession) fail(action ws.Action, err error) {
	_, code := errorStatus(err)
	resp := ws.ErrorResponse{Event: ws.EventError, Action: action, Error: string(code)}
	var vs validation.Violations
	if errors.As(err, &vs) {
		resp.Violations = vs
	}
	s.w.WriteTyped(resp)
}

// SubmissionStream godoc
// WS /ws/v1/learner/submissions/:submission_id/stream
// Relays status updates until the submission reaches a terminal status.
func (h *WSHandler) SubmissionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id := c.Param("submission_id")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before reading the stored status so no transition is missed.
	pubsub := h.submissions.Notifier().Subscribe(ctx, id)
	defer pubsub.Close()

	sub, err := h.submissions.Owned(c.Request.Context(), claims.LearnerID, id)
	if err != nil {
		fail(c, err, nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	w := ws.NewWriter(conn)

	current, _ := json.Marshal(service.StatusUpdate{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Result:       sub.Result,
		Terminal:     sub.Status.Terminal(),
	})
	if err := w.WriteTyped(ws.StatusResponse{Event: ws.EventStatus, Update: current}); err != nil {
		return
	}
	if sub.Status.Terminal() {
		w.WriteClose(websocket.CloseNormalClosure, "terminal")
		return
	}

	// The client sends nothing; reading only notices it leaving.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(conn); err != nil {
				return
			}
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var update service.StatusUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				h.log.Warn().Err(err).Str("submission_id", id).Msg("Malformed status update")
				continue
			}
			if err := w.WriteTyped(ws.StatusResponse{Event: ws.EventStatus, Update: json.RawMessage(msg.Payload)}); err != nil {
				return
			}
			if update.Terminal {
				w.WriteClose(websocket.CloseNormalClosure, "terminal")
				return
			}
		}
	}
}
