package ui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/service"
)

const (
	StatusTimeout     = 5 * time.Second
	TranscribeTimeout = 300 * time.Second
)

var ErrTimeout = errors.New("transcription request timed out")

// APIError is a non-200 answer from the transcription API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Client talks to the API over HTTP only; it shares types, not state.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}}
}

// CheckStatus reports true only when both liveness and readiness answer 200.
func (c *Client) CheckStatus(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	for _, path := range []string{"/healthz", "/readyz"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
		if err != nil {
			return false
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
	}
	return true
}

func (c *Client) Transcribe(ctx context.Context, filename string, audio []byte, language, task string) (*service.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, TranscribeTimeout)
	defer cancel()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(filename)))
	header.Set("Content-Type", audioContentType(filename))
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	query := url.Values{}
	if language != "" {
		query.Set("language", language)
	}
	if task != "" {
		query.Set("task", task)
	}
	endpoint := c.BaseURL + "/transcribe"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(content)}
	}

	var result service.Result
	if err := json.Unmarshal(content, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// audioContentType keeps the part inside the audio/* family the API requires.
func audioContentType(filename string) string {
	if detected := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); strings.HasPrefix(detected, "audio/") {
		return detected
	}
	return "audio/wav"
}
