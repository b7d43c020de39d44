// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *Server) (*websocket.Conn, *httptest.Server) {
	t.Helper()

	hs := httptest.NewServer(srv.engine)
	t.Cleanup(hs.Close)

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn, hs
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return msg
}

func TestWSSubscribeAndPing(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	conn, _ := dialWS(t, srv)

	if err := conn.WriteJSON(wsCommand{Action: "subscribe", Channels: []string{"completed", "failed"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %q", msg.Type)
	}
	channels, ok := msg.Data["channels"].([]any)
	if !ok || len(channels) != 2 {
		t.Fatalf("unexpected channels in ack: %v", msg.Data)
	}

	if err := conn.WriteJSON(wsCommand{Action: "ping"}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != "pong" {
		t.Fatalf("expected pong, got %q", msg.Type)
	}

	if err := conn.WriteJSON(wsCommand{Action: "dance"}); err != nil {
		t.Fatalf("failed to send unknown action: %v", err)
	}
	msg = readWS(t, conn)
	if msg.Type != "error" {
		t.Fatalf("expected error reply, got %q", msg.Type)
	}
	if errText, _ := msg.Data["error"].(string); !strings.Contains(errText, "dance") {
		t.Fatalf("error reply should name the action: %v", msg.Data)
	}
}

func TestWSEventPush(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	conn, hs := dialWS(t, srv)

	if err := conn.WriteJSON(wsCommand{Action: "subscribe", Channels: []string{"completed"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %q", msg.Type)
	}

	resp, err := http.Post(hs.URL+"/api/ask", "application/json", strings.NewReader(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("failed to submit request: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected submit status %d: %s", resp.StatusCode, raw)
	}
	var submitted struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &submitted); err != nil {
		t.Fatalf("failed to decode submit response: %v; body=%s", err, raw)
	}

	// The channel filter hides submitted and started; the first pushed frame
	// must already be the terminal one.
	msg := readWS(t, conn)
	if msg.Type != "completed" {
		t.Fatalf("expected completed event, got %q", msg.Type)
	}
	if msg.RequestID != submitted.RequestID {
		t.Fatalf("event for wrong request: got %s want %s", msg.RequestID, submitted.RequestID)
	}
	if msg.Provider != "claude" {
		t.Fatalf("unexpected provider %q", msg.Provider)
	}
}

func TestWSUnfilteredReceivesLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	conn, hs := dialWS(t, srv)

	resp, err := http.Post(hs.URL+"/api/ask", "application/json", strings.NewReader(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("failed to submit request: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	seen := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(seen["submitted"] && seen["started"] && seen["completed"]) {
		msg := readWS(t, conn)
		seen[msg.Type] = true
	}
	for _, want := range []string{"submitted", "started", "completed"} {
		if !seen[want] {
			t.Fatalf("never saw %s event; saw %v", want, seen)
		}
	}
}
