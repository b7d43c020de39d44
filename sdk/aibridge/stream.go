// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aibridge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// StreamEvent is one server-sent event from /api/ask/stream.
type StreamEvent struct {
	// Type is the SSE event name: chunk, retrying, fallback, done, error.
	Type string
	// Data is the raw JSON payload.
	Data []byte
}

// AskStream submits a message and relays partial output through onChunk
// as the backend produces it. It blocks until the stream ends and returns
// the final state. Cancelling ctx aborts both the stream and the request.
func (c *Client) AskStream(ctx context.Context, message string, opts *AskOptions, onChunk func(chunk string)) (*Reply, error) {
	data, err := json.Marshal(buildAskBody(message, opts))
	if err != nil {
		return nil, fmt.Errorf("aibridge: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ask/stream", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("aibridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.key != "" {
		req.Header.Set("X-Management-Key", c.key)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aibridge: stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Submission failures arrive as plain JSON before the stream starts.
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, body)
	}

	var final *Reply
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := StreamEvent{}
	flush := func() error {
		if event.Type == "" {
			return nil
		}
		defer func() { event = StreamEvent{} }()
		switch event.Type {
		case "chunk":
			var payload struct {
				Chunk string `json:"chunk"`
			}
			if err := json.Unmarshal(event.Data, &payload); err == nil && onChunk != nil {
				onChunk(payload.Chunk)
			}
		case "done":
			rep := &Reply{}
			if err := json.Unmarshal(event.Data, rep); err != nil {
				return fmt.Errorf("aibridge: decode final event: %w", err)
			}
			final = rep
		case "error":
			var payload struct {
				Error  string `json:"error"`
				Status string `json:"status"`
			}
			_ = json.Unmarshal(event.Data, &payload)
			if payload.Error == "" {
				payload.Error = "stream failed"
			}
			return &StreamError{Message: payload.Error, Status: payload.Status}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
			if final != nil {
				return final, nil
			}
		case strings.HasPrefix(line, "event: "):
			event.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			event.Data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("aibridge: stream interrupted: %w", err)
	}
	return nil, fmt.Errorf("aibridge: stream ended without a terminal event")
}

// StreamError is a terminal "error" event from a stream: the request
// failed or was cancelled after submission succeeded.
type StreamError struct {
	Message string
	Status  string
}

func (e *StreamError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("stream: %s (status %s)", e.Message, e.Status)
	}
	return "stream: " + e.Message
}
