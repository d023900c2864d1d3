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

package usage

import (
	"context"
	"sync"
)

// MemoryStore is the default Store: a process-local ledger guarded by a
// plain mutex, since its critical section is a few integer operations and
// never blocks on I/O (unlike the Postgres/Redis adapters, where the
// equivalent clamp-and-accumulate happens server-side).
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) GetUsage(ctx context.Context, userID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return Record{}, &ErrNotFound{UserID: userID}
	}
	return rec, nil
}

func (m *MemoryStore) UpdateUsage(ctx context.Context, userID string, usedMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return &ErrNotFound{UserID: userID}
	}
	rec.TotalUsedMs += usedMs
	rec.RemainingMs -= usedMs
	if rec.RemainingMs < 0 {
		rec.RemainingMs = 0
	}
	m.records[userID] = rec
	return nil
}

func (m *MemoryStore) ResetStorage(ctx context.Context, userID string, limitMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[userID] = Record{RemainingMs: limitMs, TotalUsedMs: 0}
	return nil
}
