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

package transcribe

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/conduitio/bwlimit"
)

// BytesPerWord and MsPerWord derive the deterministic simulated cost of a
// payload: ceil(len/BytesPerWord) * MsPerWord.
const (
	BytesPerWord = 16000
	MsPerWord    = 250
)

// SimulatedTranscriber stands in for a real speech-to-text backend. It
// drains the payload through an in-process pipe whose read side is
// bwlimit-limited to BytesPerWord-per-MsPerWord, rather than using a bare
// time.Sleep: the elapsed wall-clock time is a natural consequence of the
// rate limit, and closing the pipe unblocks the drain promptly once ctx is
// cancelled.
type SimulatedTranscriber struct{}

// NewSimulatedTranscriber returns a SimulatedTranscriber.
func NewSimulatedTranscriber() *SimulatedTranscriber {
	return &SimulatedTranscriber{}
}

// UsageMs returns the deterministic cost, in milliseconds, of transcribing a
// payload of n bytes.
func UsageMs(n int) int64 {
	words := (n + BytesPerWord - 1) / BytesPerWord
	return int64(words) * MsPerWord
}

func (t *SimulatedTranscriber) EstimateUsageMs(n int) int64 {
	return UsageMs(n)
}

func (t *SimulatedTranscriber) Transcribe(ctx context.Context, payload []byte) (Result, error) {
	usedMs := UsageMs(len(payload))

	// bytesPerSecond = BytesPerWord / (MsPerWord / 1000)
	rate := bwlimit.Byte(BytesPerWord * 1000 / MsPerWord)
	src, sink := net.Pipe()
	limited := bwlimit.NewConn(sink, 0, rate)

	go func() {
		_, _ = src.Write(payload)
		_ = src.Close()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, limited)
		done <- err
	}()

	select {
	case <-ctx.Done():
		_ = limited.Close()
		_ = src.Close()
		return Result{}, ctx.Err()
	case err := <-done:
		_ = limited.Close()
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: drain payload: %w", err)
		}
	}

	return Result{
		Transcript:  fmt.Sprintf("[transcribed %d bytes]", len(payload)),
		Confidence:  0.92,
		UsageUsedMs: usedMs,
	}, nil
}
