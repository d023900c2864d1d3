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
	"log/slog"
	"sync"
)

// Registry is the process-wide mapping from UserId to the currently-live
// Session. All three operations are atomic with respect to each other,
// via sync.Map's Swap/CompareAndDelete rather than a package-level mutex:
// one atomic map operation per call, with Swap handing back the evicted
// predecessor on registration.
type Registry struct {
	sessions sync.Map // UserId -> *Session
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register atomically swaps in sess as the live session for userID and
// returns the previously-registered session, if any. The caller must close
// the evicted predecessor with PolicyViolation + ConnectionReplaced.
func (r *Registry) Register(userID string, sess *Session) (evicted *Session, hadPrevious bool) {
	prev, loaded := r.sessions.Swap(userID, sess)
	if !loaded {
		return nil, false
	}
	return prev.(*Session), true
}

// Unregister removes the mapping for userID only if sess is still the
// currently-registered session (compare-and-remove). This prevents a
// late-closing predecessor from unregistering its successor.
func (r *Registry) Unregister(userID string, sess *Session) bool {
	return r.sessions.CompareAndDelete(userID, sess)
}

// Lookup returns the currently-registered session for userID, if any.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	v, ok := r.sessions.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Range calls fn for every currently-registered session. Used by the
// shutdown sequencer to deliver ShuttingDown to every live session. fn must
// not call back into Register/Unregister for the same registry.
func (r *Registry) Range(fn func(userID string, sess *Session)) {
	r.sessions.Range(func(key, value any) bool {
		fn(key.(string), value.(*Session))
		return true
	})
}
