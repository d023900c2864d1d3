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

// Package usage defines the pluggable usage-budget ledger and its three
// interchangeable adapters (in-memory, PostgreSQL, Redis). All three satisfy
// the identical Store contract: remainingMs clamps at zero, totalUsedMs never
// decreases under UpdateUsage (only ResetStorage sets it back to zero), and
// updates need not be atomic with reads
// across the network - the dispatcher tolerates mild drift rather than
// pre-reserving budget.
package usage

import "context"

// Record is one user's usage ledger entry.
type Record struct {
	RemainingMs int64 `json:"remainingMs"`
	TotalUsedMs int64 `json:"totalUsedMs"`
}

// Store is the pluggable usage-budget collaborator. Every adapter must
// clamp RemainingMs at zero on Update and never decrease TotalUsedMs there;
// ResetStorage is the one operation that zeroes TotalUsedMs.
type Store interface {
	// GetUsage returns the current ledger entry for userID. A user with no
	// prior record is treated as never-reset; adapters return an error in
	// that case so the caller can decide how to provision a fresh budget.
	GetUsage(ctx context.Context, userID string) (Record, error)

	// UpdateUsage accumulates usedMs into totalUsedMs and subtracts it from
	// remainingMs, clamped at zero, atomically with respect to concurrent
	// updates for the same user.
	UpdateUsage(ctx context.Context, userID string, usedMs int64) error

	// ResetStorage (re)provisions userID with a fresh budget of limitMs
	// remaining and zero used. Used by admission when a user is seen for
	// the first time and by conformance tests to set a known starting
	// budget.
	ResetStorage(ctx context.Context, userID string, limitMs int64) error
}

// ErrNotFound is returned by GetUsage when userID has no ledger entry yet.
type ErrNotFound struct {
	UserID string
}

func (e *ErrNotFound) Error() string {
	return "usage: no record for user " + e.UserID
}
