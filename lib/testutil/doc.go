// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for chatwire tests: channel
// operations with timeout safety valves so that a broken test hangs for
// a bounded time instead of deadlocking the suite.
package testutil
