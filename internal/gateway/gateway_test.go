/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/authresolver"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/closecode"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/dispatcher"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/session"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/transcribe"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/usage"
)

const testInitialBudgetMs = 1000

type testHarness struct {
	srv    *httptest.Server
	gw     *Gateway
	store  usage.Store
	cancel context.CancelFunc
}

func newTestHarness(t *testing.T, tokens map[string]string) *testHarness {
	t.Helper()
	registry := session.NewRegistry(nil)
	store := usage.NewMemoryStore()
	authr := authresolver.New(tokens, 16)
	transcriber := transcribe.NewSimulatedTranscriber()
	disp := dispatcher.New(registry, store, transcriber, 5, 2*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	gw := New(ctx, registry, store, authr, disp, testInitialBudgetMs, nil)

	go disp.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", gw.HandleTranscribe)
	mux.HandleFunc("/api/usage", gw.HandleUsage)
	mux.HandleFunc("/healthz", gw.HandleHealthz)
	srv := httptest.NewServer(mux)

	h := &testHarness{srv: srv, gw: gw, store: store, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialWithAuth(t *testing.T, url, token string) (*websocket.Conn, *http.Response) {
	t.Helper()
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, headers)
	if err != nil && conn == nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn, resp
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read json: %v", err)
	}
}

func binaryFrame(seq uint32, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], seq)
	copy(buf[4:], payload)
	return buf
}

func TestHappyPathSinglePacket(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})
	conn, _ := dialWithAuth(t, wsURL(h.srv.URL)+"/transcribe", "tok-a")
	defer conn.Close()

	var ready map[string]string
	readJSON(t, conn, &ready)
	if ready["event"] != "ready" {
		t.Fatalf("expected ready event, got %v", ready)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, binaryFrame(1, make([]byte, 16000))); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply struct {
		ID               uint32  `json:"id"`
		Transcript       string  `json:"transcript"`
		UsageUsedMs      int64   `json:"usageUsedMs"`
		UsageRemainingMs int64   `json:"usageRemainingMs"`
		Confidence       float64 `json:"confidence"`
	}
	readJSON(t, conn, &reply)
	if reply.ID != 1 {
		t.Errorf("expected reply id 1, got %d", reply.ID)
	}
	if reply.UsageUsedMs != 250 {
		t.Errorf("expected usageUsedMs 250, got %d", reply.UsageUsedMs)
	}
	if reply.UsageRemainingMs != testInitialBudgetMs-250 {
		t.Errorf("expected usageRemainingMs %d, got %d", testInitialBudgetMs-250, reply.UsageRemainingMs)
	}
}

func TestBudgetExhaustionMidSession(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})
	conn, _ := dialWithAuth(t, wsURL(h.srv.URL)+"/transcribe", "tok-a")
	defer conn.Close()

	var ready map[string]string
	readJSON(t, conn, &ready)

	wantRemaining := []int64{750, 500, 250, 0}
	for i, want := range wantRemaining {
		seq := uint32(i + 1)
		if err := conn.WriteMessage(websocket.BinaryMessage, binaryFrame(seq, make([]byte, 16000))); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
		var reply struct {
			UsageRemainingMs int64 `json:"usageRemainingMs"`
		}
		readJSON(t, conn, &reply)
		if reply.UsageRemainingMs != want {
			t.Fatalf("frame %d: expected remaining %d, got %d", seq, want, reply.UsageRemainingMs)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected PolicyViolation close, got %d", closeErr.Code)
	}
	var reason closecode.Reason
	if err := json.Unmarshal([]byte(closeErr.Text), &reason); err != nil {
		t.Fatalf("decode close reason: %v", err)
	}
	if reason.Code != closecode.ExceededAllocatedUsage {
		t.Fatalf("expected ExceededAllocatedUsage, got %v", reason.Code)
	}
}

func TestUnauthorizedUpgrade(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})
	conn, _ := dialWithAuth(t, wsURL(h.srv.URL)+"/transcribe", "")
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected PolicyViolation close, got %d", closeErr.Code)
	}
	var reason closecode.Reason
	if err := json.Unmarshal([]byte(closeErr.Text), &reason); err != nil {
		t.Fatalf("decode close reason: %v", err)
	}
	if reason.Code != closecode.Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", reason.Code)
	}
}

// TestFrameBeforeReadyIsRejected exercises the read loop directly against a
// session still in Admitting, reproducing the "client sends before the
// ready event is observed" race deterministically rather than depending on
// real scheduling order over a live socket.
func TestFrameBeforeReadyIsRejected(t *testing.T) {
	registry := session.NewRegistry(nil)
	store := usage.NewMemoryStore()
	authr := authresolver.New(map[string]string{"tok-a": "user-a"}, 16)
	disp := dispatcher.New(registry, store, transcribe.NewSimulatedTranscriber(), 5, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := New(ctx, registry, store, authr, disp, testInitialBudgetMs, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawConn, err := gw.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(rawConn)
		sess, _ := session.New(ctx, "user-a", conn, nil)
		sess.SetState(session.StateAdmitting) // never transitions to Ready
		gw.readLoop(rawConn, sess)
	}))
	defer srv.Close()

	conn, _ := dialWithAuth(t, wsURL(srv.URL), "tok-a")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, binaryFrame(1, []byte("x"))); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	var reason closecode.Reason
	if err := json.Unmarshal([]byte(closeErr.Text), &reason); err != nil {
		t.Fatalf("decode close reason: %v", err)
	}
	if reason.Code != closecode.NotReady {
		t.Fatalf("expected NotReady, got %v", reason.Code)
	}
}

func TestZeroLengthPayloadIsInvalidData(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})
	conn, _ := dialWithAuth(t, wsURL(h.srv.URL)+"/transcribe", "tok-a")
	defer conn.Close()

	var ready map[string]string
	readJSON(t, conn, &ready)

	// A 4-byte frame carries a sequence ID but no audio.
	if err := conn.WriteMessage(websocket.BinaryMessage, binaryFrame(7, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseInvalidFramePayloadData {
		t.Fatalf("expected InvalidData close, got %d", closeErr.Code)
	}
	var reason closecode.Reason
	if err := json.Unmarshal([]byte(closeErr.Text), &reason); err != nil {
		t.Fatalf("decode close reason: %v", err)
	}
	if reason.Code != closecode.InvalidData {
		t.Fatalf("expected InvalidData, got %v", reason.Code)
	}
}

func TestSessionEviction(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})

	first, _ := dialWithAuth(t, wsURL(h.srv.URL)+"/transcribe", "tok-a")
	defer first.Close()
	var ready map[string]string
	readJSON(t, first, &ready)

	second, _ := dialWithAuth(t, wsURL(h.srv.URL)+"/transcribe", "tok-a")
	defer second.Close()
	readJSON(t, second, &ready)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected first connection to receive a close error, got %v", err)
	}
	var reason closecode.Reason
	if err := json.Unmarshal([]byte(closeErr.Text), &reason); err != nil {
		t.Fatalf("decode close reason: %v", err)
	}
	if reason.Code != closecode.ConnectionReplaced {
		t.Fatalf("expected ConnectionReplaced, got %v", reason.Code)
	}
}

func TestUsageEndpointReportsBudget(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/usage", nil)
	req.Header.Set("Authorization", "Bearer tok-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		RemainingMs int64 `json:"remainingMs"`
		TotalUsedMs int64 `json:"totalUsedMs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RemainingMs != 0 || body.TotalUsedMs != 0 {
		t.Fatalf("expected zero-value record for unseen user, got %+v", body)
	}
}

// TestAdmissionRejectionAfterExhaustion reproduces scenario 3: a user whose
// budget was already driven to zero reconnects and is closed with
// ExceededAllocatedUsage before any ready frame, rather than being admitted
// and failing later.
func TestAdmissionRejectionAfterExhaustion(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})
	if err := h.store.ResetStorage(context.Background(), "user-a", 0); err != nil {
		t.Fatalf("reset storage: %v", err)
	}

	conn, _ := dialWithAuth(t, wsURL(h.srv.URL)+"/transcribe", "tok-a")
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected PolicyViolation close, got %d", closeErr.Code)
	}
	var reason closecode.Reason
	if err := json.Unmarshal([]byte(closeErr.Text), &reason); err != nil {
		t.Fatalf("decode close reason: %v", err)
	}
	if reason.Code != closecode.ExceededAllocatedUsage {
		t.Fatalf("expected ExceededAllocatedUsage, got %v", reason.Code)
	}
}

func TestHealthzReportsLiveThenShuttingDown(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})

	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 before shutdown, got %d", resp.StatusCode)
	}

	h.gw.Shutdown()

	resp, err = http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", resp.StatusCode)
	}
}

func TestUsageEndpointUnauthorized(t *testing.T) {
	h := newTestHarness(t, map[string]string{"tok-a": "user-a"})

	resp, err := http.Get(h.srv.URL + "/api/usage")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "Unauthorized" {
		t.Fatalf("expected error 'Unauthorized', got %q", body.Error)
	}
}
