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

// Package dispatcher implements the scheduling loop that drains per-user
// queues with bounded global concurrency. One loop fans out across every
// live user's queue, using errgroup.WithContext to track however many
// transcription tasks are in flight so Run can wait for all of them after
// ctx is cancelled. Tasks handle their own failures and always return nil to
// the group. An explicit counting semaphore
// enforces the global cap rather than errgroup.SetLimit, which would block
// inside Go itself instead of letting the scanner wait at a
// cancellation-aware select.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/closecode"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/queue"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/session"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/transcribe"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/usage"
)

// DefaultMaxConcurrent is MAX_CONCURRENT when GatewayConfig does not
// override it.
const DefaultMaxConcurrent = 5

// DefaultTaskTimeout is the per-packet hard cap when GatewayConfig does not
// override it.
const DefaultTaskTimeout = 60 * time.Second

// pollInterval bounds how long an idle scanner can go without noticing new
// work if Notify is somehow missed; Notify is the primary wakeup path, this
// is only a safety net.
const pollInterval = 20 * time.Millisecond

// replyMessage is the outbound JSON reply to one transcribed WorkItem.
type replyMessage struct {
	ID               uint32  `json:"id"`
	Transcript       string  `json:"transcript"`
	Confidence       float64 `json:"confidence"`
	UsageUsedMs      int64   `json:"usageUsedMs"`
	UsageRemainingMs int64   `json:"usageRemainingMs"`
}

// Dispatcher is the single scheduling loop that scans every registered
// session's PerUserQueue and launches transcription tasks, respecting
// per-user mutual exclusion and the global MAX_CONCURRENT cap.
type Dispatcher struct {
	registry    *session.Registry
	store       usage.Store
	transcriber transcribe.Transcriber
	logger      *slog.Logger

	maxConcurrent int
	taskTimeout   time.Duration

	sem  chan struct{}
	wake chan struct{}
}

// New builds a Dispatcher. maxConcurrent <= 0 and taskTimeout <= 0 fall
// back to the package defaults.
func New(registry *session.Registry, store usage.Store, transcriber transcribe.Transcriber, maxConcurrent int, taskTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:      registry,
		store:         store,
		transcriber:   transcriber,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		taskTimeout:   taskTimeout,
		sem:           make(chan struct{}, maxConcurrent),
		wake:          make(chan struct{}, 1),
	}
}

// Notify wakes the scan loop in bounded time. Non-blocking and coalescing:
// any number of calls between two scans collapse into a single wakeup.
// Called after every Enqueue and after every task completes.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains ready per-user queues until ctx is cancelled, then blocks
// until every task it has started has returned. Intended to be run on its
// own goroutine for the lifetime of the gateway process.
func (d *Dispatcher) Run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	for {
		startedAny := d.scan(gctx, g)
		if ctx.Err() != nil {
			break
		}
		if startedAny {
			// More work may already be ready (e.g. a user whose queue had
			// several items queued up); keep scanning before sleeping.
			continue
		}
		select {
		case <-d.wake:
		case <-time.After(pollInterval):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("dispatcher task error", slog.String("error", err.Error()))
	}
}

// scan performs one pass over every currently-registered session, starting
// a task for each user whose session is Ready, whose queue is non-empty,
// and whose per-user flag is clear, blocking to acquire a global
// concurrency slot when the cap is reached. It reports whether it started
// at least one task.
func (d *Dispatcher) scan(ctx context.Context, g *errgroup.Group) bool {
	started := false
	d.registry.Range(func(userID string, sess *session.Session) {
		if ctx.Err() != nil {
			return
		}
		if !sess.IsReady() {
			return
		}
		q := sess.Queue
		if q.Len() == 0 {
			return
		}
		if !q.TryAcquire() {
			return
		}
		item, ok := q.Dequeue()
		if !ok {
			q.Release()
			return
		}

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			q.Release()
			return
		}

		started = true
		g.Go(func() error {
			d.runTask(userID, sess, item)
			return nil
		})
	})
	return started
}

// runTask executes one WorkItem's transcription and replies on the owning
// session. It always releases both the global semaphore slot and the
// per-user in-flight flag, and always wakes the scanner afterward so the
// next queued item for this user (if any) can start.
func (d *Dispatcher) runTask(userID string, sess *session.Session, item queue.WorkItem) {
	defer d.Notify()
	defer func() { <-d.sem }()
	defer sess.Queue.Release()

	if cur, ok := d.registry.Lookup(userID); !ok || cur != sess {
		return
	}

	taskCtx, cancel := context.WithTimeout(sess.Context(), d.taskTimeout)
	defer cancel()

	// A frame the remaining budget cannot cover is rejected before the
	// transcriber runs. Equal cost and budget still passes; the close then
	// happens after the reply, with remainingMs at zero. The check is
	// best-effort: a store read failure here falls through to the
	// transcription rather than failing the task.
	if rec, err := d.store.GetUsage(taskCtx, userID); err == nil {
		if d.transcriber.EstimateUsageMs(len(item.Payload)) > rec.RemainingMs {
			sess.Close(closecode.New(closecode.ExceededAllocatedUsage))
			return
		}
	} else if taskCtx.Err() != nil {
		return
	}

	result, err := d.transcriber.Transcribe(taskCtx, item.Payload)
	if err != nil {
		d.handleTaskError(sess, taskCtx, err)
		return
	}

	if !sess.IsReady() {
		return
	}
	if cur, ok := d.registry.Lookup(userID); !ok || cur != sess {
		return
	}

	if err := d.store.UpdateUsage(context.Background(), userID, result.UsageUsedMs); err != nil {
		d.logger.Error("usage update failed",
			slog.String("user", userID), slog.String("error", err.Error()))
	}

	rec, err := d.store.GetUsage(context.Background(), userID)
	if err != nil {
		d.logger.Error("usage read-back failed",
			slog.String("user", userID), slog.String("error", err.Error()))
	}

	reply := replyMessage{
		ID:               item.SequenceID,
		Transcript:       result.Transcript,
		Confidence:       result.Confidence,
		UsageUsedMs:      result.UsageUsedMs,
		UsageRemainingMs: rec.RemainingMs,
	}
	if err := sess.Conn.SendJSON(reply); err != nil {
		d.logger.Debug("send reply failed",
			slog.String("user", userID), slog.String("error", err.Error()))
		return
	}

	if rec.RemainingMs <= 0 {
		sess.Close(closecode.New(closecode.ExceededAllocatedUsage))
	}
}

// handleTaskError classifies a Transcribe failure into the right close
// reason, or swallows it silently when the session was already closing for
// an unrelated reason (eviction, client disconnect, shutdown - all of
// which already sent their own close frame).
func (d *Dispatcher) handleTaskError(sess *session.Session, taskCtx context.Context, err error) {
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		sess.Close(closecode.New(closecode.Timeout))
		return
	}
	if errors.Is(context.Cause(sess.Context()), session.ErrSessionClosing) {
		return
	}
	sess.Close(closecode.New(closecode.Aborted))
}
