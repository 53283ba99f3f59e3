// Package httpx holds the JSON-over-HTTP plumbing shared by the backend,
// geocoding and routing clients.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds requests when the caller does not provide a client.
const DefaultTimeout = 15 * time.Second

const maxErrorBody = 4 << 10

// Request describes one JSON call.
type Request struct {
	Method  string
	URL     string
	Body    any
	Headers map[string]string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx status: %d", e.Code)
}

// Detail extracts a human readable message from a JSON error body, falling
// back to the raw text.
func (e *StatusError) Detail() string {
	var payload struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Body, &payload); err == nil {
		for _, candidate := range []string{payload.Detail, payload.Error, payload.Message} {
			if candidate != "" {
				return candidate
			}
		}
	}
	return string(bytes.TrimSpace(e.Body))
}

// DoJSON sends req and decodes a successful response into out when out is
// not nil. Transport failures are returned as-is; non-2xx responses come
// back as *StatusError.
func DoJSON(ctx context.Context, client *http.Client, req Request, out any, logger logrus.FieldLogger) error {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = discard
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("httpx: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return fmt.Errorf("httpx: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	log := logger.WithFields(logrus.Fields{
		"req_id": uuid.NewString(),
		"method": method,
		"url":    req.URL,
	})
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		log.WithError(err).WithField("elapsed_ms", time.Since(start).Milliseconds()).Debug("http.send_error")
		return err
	}
	defer resp.Body.Close()

	log = log.WithFields(logrus.Fields{
		"status":     resp.StatusCode,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Debug("http.response_rejected")
		return &StatusError{Code: resp.StatusCode, Body: raw}
	}
	log.Debug("http.response")
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("httpx: decode response: %w", err)
	}
	return nil
}

var discard = func() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()
