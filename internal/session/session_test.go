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

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/closecode"
)

func TestCloseTransitionsToClosingAndSendsFrame(t *testing.T) {
	conn := &fakeConn{}
	s, sessCtx := New(context.Background(), "user-1", conn, nil)

	s.Close(closecode.New(closecode.Timeout))

	if s.State() != StateClosing {
		t.Fatalf("expected StateClosing, got %v", s.State())
	}
	if !conn.closed {
		t.Fatal("expected SendClose to have been called")
	}
	if conn.reason.Code != closecode.Timeout {
		t.Fatalf("expected Timeout reason, got %v", conn.reason.Code)
	}
	if sessCtx.Err() == nil {
		t.Fatal("expected session context to be cancelled")
	}
	if !errors.Is(context.Cause(sessCtx), ErrSessionClosing) {
		t.Fatalf("expected cancellation cause ErrSessionClosing, got %v", context.Cause(sessCtx))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	s, _ := New(context.Background(), "user-1", conn, nil)

	s.Close(closecode.New(closecode.Timeout))
	s.Close(closecode.New(closecode.Aborted))

	if conn.reason.Code != closecode.Timeout {
		t.Fatalf("expected first Close's reason to win, got %v", conn.reason.Code)
	}
}

func TestCloseQuietDoesNotSendCloseFrame(t *testing.T) {
	conn := &fakeConn{}
	s, sessCtx := New(context.Background(), "user-1", conn, nil)

	s.CloseQuiet()

	if s.State() != StateClosing {
		t.Fatalf("expected StateClosing, got %v", s.State())
	}
	if conn.closed {
		t.Fatal("expected CloseQuiet not to send a close frame")
	}
	if sessCtx.Err() == nil {
		t.Fatal("expected session context to be cancelled")
	}
}

func TestCloseQuietThenCloseOnlyTeardownOnce(t *testing.T) {
	conn := &fakeConn{}
	s, _ := New(context.Background(), "user-1", conn, nil)

	s.CloseQuiet()
	s.Close(closecode.New(closecode.Aborted))

	if conn.closed {
		t.Fatal("expected the later Close call to be a no-op once CloseQuiet has run")
	}
}

func TestIsReadyReflectsState(t *testing.T) {
	conn := &fakeConn{}
	s, _ := New(context.Background(), "user-1", conn, nil)

	if s.IsReady() {
		t.Fatal("expected new session not to be ready")
	}
	s.SetState(StateReady)
	if !s.IsReady() {
		t.Fatal("expected session to be ready after SetState(StateReady)")
	}
}
