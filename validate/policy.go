// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// ScriptPolicy holds the deny-list applied to script bodies. Matching
// is substring-based and deliberately blunt: a script that mentions a
// denied pattern anywhere is rejected, even in a comment, because the
// validator cannot know what the interpreter will make of it.
type ScriptPolicy struct {
	// DeniedPatterns are substrings that may not appear anywhere in a
	// script body. Matching is case-sensitive for paths and
	// case-insensitive for bare command names.
	DeniedPatterns []string `json:"denied_patterns"`

	// MaxBodyBytes caps the size of a script body. Zero means the
	// default of 64 KiB.
	MaxBodyBytes int `json:"max_body_bytes"`
}

const defaultMaxScriptBytes = 64 * 1024

// DefaultScriptPolicy is applied when the operator configures no
// policy file. It blocks the obvious ways a script escapes the
// sandbox's resource expectations or reshapes the host.
func DefaultScriptPolicy() *ScriptPolicy {
	return &ScriptPolicy{
		DeniedPatterns: []string{
			"rm -rf /",
			"mkfs",
			"dd if=",
			":(){ :|:& };:",
			"/dev/sda",
			"/dev/nvme",
			"shutdown",
			"reboot",
			"init 0",
			"systemctl poweroff",
		},
	}
}

// ParseScriptPolicy strips JSONC comments and trailing commas from
// data, then unmarshals the result into a ScriptPolicy.
func ParseScriptPolicy(data []byte) (*ScriptPolicy, error) {
	stripped := jsonc.ToJSON(data)

	var policy ScriptPolicy
	if err := json.Unmarshal(stripped, &policy); err != nil {
		return nil, fmt.Errorf("parsing script policy: %w", err)
	}
	if policy.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("max_body_bytes must not be negative")
	}
	return &policy, nil
}

// ReadScriptPolicy reads a JSONC policy file from disk. Operators
// author policies as JSONC so the file can document why each pattern
// is denied.
func ReadScriptPolicy(path string) (*ScriptPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	policy, err := ParseScriptPolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return policy, nil
}

// Check returns a rejection reason if body violates the policy, or
// empty string if the body is acceptable.
func (p *ScriptPolicy) Check(body string) string {
	limit := p.MaxBodyBytes
	if limit == 0 {
		limit = defaultMaxScriptBytes
	}
	if len(body) > limit {
		return fmt.Sprintf("script body exceeds %d bytes", limit)
	}
	lower := strings.ToLower(body)
	for _, pattern := range p.DeniedPatterns {
		needle := pattern
		haystack := body
		if !strings.ContainsAny(pattern, "/") {
			needle = strings.ToLower(pattern)
			haystack = lower
		}
		if strings.Contains(haystack, needle) {
			return fmt.Sprintf("script matches denied pattern %q", pattern)
		}
	}
	return ""
}
