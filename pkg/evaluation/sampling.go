// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package evaluation

import "hash/fnv"

// Sampled decides deterministically whether a request falls inside the
// sampling rate: the same request id always gets the same answer, and over
// many ids the inclusion fraction converges to rate.
func Sampled(requestID string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	bucket := h.Sum32() % 10000
	return float64(bucket) < rate*10000
}
