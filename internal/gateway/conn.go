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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/closecode"
)

// writeWait bounds every outbound write (reply, ready, close frame). A
// stuck client should not be able to pin a Dispatcher task forever.
const writeWait = 5 * time.Second

// wsConn adapts a *websocket.Conn to session.Conn. gorilla/websocket
// connections are not safe for concurrent writers, so every write goes
// through writeMu, including the close handshake, which a Dispatcher task
// and the read loop's error path can both race to send.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// SendJSON writes one textual JSON frame. Safe to call after the
// connection has been closed by SendClose; WriteJSON then returns an
// error, which callers must tolerate rather than panic on.
func (c *wsConn) SendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// SendClose writes the close frame encoding reason and closes the
// underlying connection. Best-effort: if the peer is already gone the
// write fails silently, since there is nothing left to deliver it to.
func (c *wsConn) SendClose(reason closecode.Reason) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, closecode.FormatCloseMessage(reason))
	_ = c.conn.Close()
}
