// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Int64

// UniqueName returns a name with the given prefix that is unique
// within the test process (e.g., "tenant-7"). Useful when tests share
// a store and must not collide on identifiers.
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
