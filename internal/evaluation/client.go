// Package evaluation is the HTTP client for the external evaluation service.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/submission"
)

var (
	ErrRejected    = errors.New("evaluation service rejected the request")
	ErrUnavailable = errors.New("evaluation service unavailable")
)

const maxErrorBody = 4 << 10

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements submission.Evaluator over HTTP.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("component", "evaluation_client").Logger(),
	}
}

type createResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// Create posts the payload as multipart/form-data: a "payload" JSON part and
// one "audio_<question_id>" file part per audio answer. The body is streamed.
func (c *Client) Create(ctx context.Context, payload *submission.Payload) (submission.Receipt, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, payload))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/submissions", pr)
	if err != nil {
		pr.Close()
		return submission.Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out createResponse
	if err := c.do(req, &out); err != nil {
		pr.CloseWithError(err)
		return submission.Receipt{}, err
	}
	return submission.Receipt{ID: out.ID, Status: out.Status}, nil
}

func writeMultipart(mw *multipart.Writer, payload *submission.Payload) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="payload"`)
	h.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(payload); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	for _, audio := range payload.Audio {
		if err := writeAudioPart(mw, audio); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeAudioPart(mw *multipart.Writer, audio submission.AudioPart) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio_%s"; filename="%s"`,
		audio.QuestionID, audio.FileName))
	h.Set("Content-Type", audio.MIMEType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	rc, err := audio.Open()
	if err != nil {
		return fmt.Errorf("open audio %s: %w", audio.QuestionID, err)
	}
	defer rc.Close()
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("copy audio %s: %w", audio.QuestionID, err)
	}
	return nil
}

// Status reads the evaluation status of a submission.
func (c *Client) Status(ctx context.Context, id string) (submission.Observation, error) {
	endpoint := c.cfg.BaseURL + "/submissions/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return submission.Observation{}, fmt.Errorf("create request: %w", err)
	}

	var out statusResponse
	if err := c.do(req, &out); err != nil {
		return submission.Observation{}, err
	}
	return submission.Observation{Status: out.Status, Result: out.Result}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Evaluation request")

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		sentinel := ErrUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			sentinel = ErrRejected
		}
		return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
