// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

// cappedBuffer accumulates writes up to a byte limit. Writes past the
// limit are discarded (never an error, so the child keeps running)
// and the truncation is recorded.
type cappedBuffer struct {
	limit     int
	data      []byte
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - len(b.data)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.data = append(b.data, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte   { return b.data }
func (b *cappedBuffer) Truncated() bool { return b.truncated }
