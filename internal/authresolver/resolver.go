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

// Package authresolver maps a bearer token to a UserId against a static
// token table. There is no role-based access control: resolution is a
// single token -> UserId lookup.
package authresolver

import (
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrUnauthorized is returned when the Authorization header is missing,
// malformed, or names a token not present in the table.
var ErrUnauthorized = errors.New("unauthorized")

const bearerPrefix = "Bearer "

// Resolver maps bearer tokens to UserIds against a fixed table, with a
// bounded LRU cache memoizing recent resolutions so a busy gateway does not
// re-walk the table on every upgrade. The table remains the source of
// truth: a cache miss always falls through to it, never to a deny decision.
type Resolver struct {
	tokens map[string]string // token -> UserId
	cache  *lru.Cache[string, string]
}

// New builds a Resolver over the given static token table. cacheSize bounds
// the number of memoized token resolutions; a non-positive value disables
// memoization.
func New(tokens map[string]string, cacheSize int) *Resolver {
	r := &Resolver{tokens: tokens}
	if cacheSize > 0 {
		c, err := lru.New[string, string](cacheSize)
		if err == nil {
			r.cache = c
		}
	}
	return r
}

// Resolve extracts the bearer token from authorizationHeader and maps it to
// a UserId. Only headers of the form "Bearer <token>" are accepted; an
// empty token after "Bearer " is a distinct, non-matching token rather than
// a null identity.
func (r *Resolver) Resolve(authorizationHeader string) (string, error) {
	if !strings.HasPrefix(authorizationHeader, bearerPrefix) {
		return "", ErrUnauthorized
	}
	token := authorizationHeader[len(bearerPrefix):]

	if r.cache != nil {
		if userID, ok := r.cache.Get(token); ok {
			return userID, nil
		}
	}

	userID, ok := r.tokens[token]
	if !ok {
		return "", ErrUnauthorized
	}

	if r.cache != nil {
		r.cache.Add(token, userID)
	}
	return userID, nil
}
