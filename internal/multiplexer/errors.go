// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplexer

import "errors"

// ErrAlreadyExists is returned by Create when a session with the
// requested name already exists.
var ErrAlreadyExists = errors.New("multiplexer: session already exists")

// ErrTimeout is returned when an operation exceeds its bound without
// completing.
var ErrTimeout = errors.New("multiplexer: operation timed out")
