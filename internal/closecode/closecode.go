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

// Package closecode codifies the WebSocket close code plus structured reason
// pairs used by every failure path in the gateway: the close code plays the
// role of a status code, and Reason is the structured payload carried in the
// close frame.
package closecode

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// InternalErrorCode enumerates every reason the gateway can close a session for.
type InternalErrorCode int

const (
	ExceededAllocatedUsage InternalErrorCode = 0
	Timeout                InternalErrorCode = 1
	Aborted                InternalErrorCode = 2
	ConnectionReplaced     InternalErrorCode = 3
	Unauthorized           InternalErrorCode = 4
	ShuttingDown           InternalErrorCode = 5
	NotReady               InternalErrorCode = 6
	InvalidData            InternalErrorCode = 7
	ServerError            InternalErrorCode = 99
)

// wsCode pairs each InternalErrorCode with the WebSocket close code used to
// carry it, per the table in the external interface spec.
var wsCode = map[InternalErrorCode]int{
	ExceededAllocatedUsage: websocket.ClosePolicyViolation,
	Timeout:                3008,
	Aborted:                websocket.CloseGoingAway,
	ConnectionReplaced:     websocket.ClosePolicyViolation,
	Unauthorized:           websocket.ClosePolicyViolation,
	ShuttingDown:           websocket.CloseGoingAway,
	NotReady:               websocket.ClosePolicyViolation,
	InvalidData:            websocket.CloseInvalidFramePayloadData,
	ServerError:            websocket.CloseInternalServerErr,
}

// message is the default human-readable message for each code.
var message = map[InternalErrorCode]string{
	ExceededAllocatedUsage: "ExceededAllocatedUsage",
	Timeout:                "TimeoutError",
	Aborted:                "Aborted",
	ConnectionReplaced:     "ConnectionReplaced",
	Unauthorized:           "Unauthorized",
	ShuttingDown:           "ShuttingDown",
	NotReady:               "NotReady",
	InvalidData:            "InvalidData",
	ServerError:            "ServerError",
}

// Reason is the structured close reason carried in a WebSocket close frame.
type Reason struct {
	Code  InternalErrorCode `json:"code"`
	Error string            `json:"error"`
}

// New builds a Reason for code using its default message.
func New(code InternalErrorCode) Reason {
	return Reason{Code: code, Error: message[code]}
}

// Newf builds a Reason for code with a custom message, used when the
// message carries request-specific detail (e.g. a wrapped store error).
func Newf(code InternalErrorCode, msg string) Reason {
	return Reason{Code: code, Error: msg}
}

// WSCode returns the WebSocket close code that should carry this reason.
func (r Reason) WSCode() int {
	if c, ok := wsCode[r.Code]; ok {
		return c
	}
	return websocket.CloseInternalServerErr
}

// Encode serializes the reason to the compact textual object carried in the
// close frame payload. gorilla/websocket truncates close reasons to 123
// bytes; callers that pass arbitrarily long messages should expect truncation
// at the wire, not here.
func (r Reason) Encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"code":99,"error":"ServerError"}`)
	}
	return b
}

// FormatCloseMessage builds a complete gorilla/websocket close message
// (code + encoded reason) ready to hand to Conn.WriteControl.
func FormatCloseMessage(r Reason) []byte {
	return websocket.FormatCloseMessage(r.WSCode(), string(r.Encode()))
}
