// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runtimecheck

import "strings"

// parseMetadata parses a flat, line-oriented INI-like metadata block into
// section name -> key -> value. Only the three shapes RuntimeChecker
// consults are meaningful to callers: [ExtensionOf], [Application], and
// [Extension <name>].
func parseMetadata(lines []string) map[string]map[string]string {
	sections := map[string]map[string]string{}
	var current string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if _, ok := sections[current]; !ok {
				sections[current] = map[string]string{}
			}
			continue
		}
		if current == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		sections[current][strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return sections
}
