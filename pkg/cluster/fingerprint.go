// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// FingerprintLength is the number of hex characters kept from the hash.
const FingerprintLength = 16

// Fingerprint summarizes cluster membership: the first 16 hex characters
// of SHA-256 over the ascending-sorted member ids. Any change to the
// member set changes the fingerprint; order of the input does not.
func Fingerprint(ids []string) string {
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}
