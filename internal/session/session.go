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

// Package session owns the per-connection state machine and the process-wide
// registry enforcing single-session-per-user: a second arrival for a UserId
// evicts the first rather than joining it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/closecode"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/queue"
)

// State is one position in the SessionHandler state machine.
type State int32

const (
	StateUnauthenticated State = iota
	StateAdmitting
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAdmitting:
		return "admitting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ErrSessionClosing is the cancellation cause used when a session's context
// is cancelled because the session itself is closing (eviction, client
// disconnect, or shutdown) rather than a per-task timeout.
var ErrSessionClosing = errors.New("session closing")

// Conn is the transport-facing half of a Session: sending replies and
// delivering the close frame. The gateway package supplies the
// gorilla/websocket-backed implementation; tests supply a fake.
type Conn interface {
	// SendJSON writes one textual JSON frame. Implementations must be safe
	// to call after Close (and must then return an error, never panic),
	// since a task may race the session's teardown.
	SendJSON(v any) error
	// SendClose sends the WebSocket close frame encoding reason. Idempotent.
	SendClose(reason closecode.Reason)
}

// Session is one live, upgraded connection bound to a UserId.
type Session struct {
	UserID string
	Conn   Conn
	Queue  *queue.PerUserQueue

	state atomic.Int32

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelCauseFunc

	closeOnce sync.Once
	logger    *slog.Logger
}

// New creates a Session in the Unauthenticated state. ctx is the parent
// context (typically the gateway's shutdown context); the returned context
// should be threaded through every task run on behalf of this session so
// that closing the session cancels its in-flight work.
func New(ctx context.Context, userID string, conn Conn, logger *slog.Logger) (*Session, context.Context) {
	if logger == nil {
		logger = slog.Default()
	}
	sessionCtx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		UserID: userID,
		Conn:   conn,
		Queue:  queue.New(),
		ctx:    sessionCtx,
		cancel: cancel,
		logger: logger,
	}
	return s, sessionCtx
}

// Context returns the session's cancellation context. It is cancelled when
// the session closes (eviction, client disconnect, or shutdown) and should
// be the parent of every per-task context derived for this session's work.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetState transitions the session to the given state. It does not
// validate the transition table; callers (SessionHandler) are responsible
// for only calling it on valid edges.
func (s *Session) SetState(state State) {
	s.state.Store(int32(state))
}

// IsReady reports whether the session is currently accepting inbound frames.
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// Close transitions the session to Closing, cancels any in-flight work
// scoped to this session, and sends the close frame. Safe to call more than
// once and from more than one goroutine; only the first call has effect.
func (s *Session) Close(reason closecode.Reason) {
	s.closeOnce.Do(func() {
		s.teardown()
		s.logger.Info("session closing",
			slog.String("user", s.UserID),
			slog.Int("code", int(reason.Code)),
			slog.String("reason", reason.Error),
		)
		s.Conn.SendClose(reason)
	})
}

// CloseQuiet tears the session down (Closing state, cancelled context)
// without writing a close frame. Used when the peer has already gone away
// (read error, EOF, or a client-initiated close already acknowledged by
// the transport) so there is nothing meaningful to send. Shares closeOnce
// with Close: whichever of the two runs first wins, and the other becomes
// a no-op.
func (s *Session) CloseQuiet() {
	s.closeOnce.Do(func() {
		s.teardown()
		s.logger.Debug("session closed by peer", slog.String("user", s.UserID))
	})
}

func (s *Session) teardown() {
	s.SetState(StateClosing)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(ErrSessionClosing)
	}
}
