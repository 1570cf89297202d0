// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package enforcement bakes the unsafe construct denylist into the binary so the
rules that gate generated code cannot be changed on the host without a
rebuild.
*/
package enforcement

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
)

// UnsafeConstructs holds the raw content of unsafe_constructs.yaml.
//
// Usage:
//
//	err := yaml.Unmarshal(enforcement.UnsafeConstructs, &targetStruct)
//
//go:embed unsafe_constructs.yaml
var UnsafeConstructs []byte

// PolicyHash returns the hex SHA-256 of the embedded denylist. It is logged
// at startup so deployments can verify which rules they run.
func PolicyHash() string {
	sum := sha256.Sum256(UnsafeConstructs)
	return hex.EncodeToString(sum[:])
}
