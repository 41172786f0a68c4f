// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// encodeEmbedding serializes a vector as little-endian float32s.
// A nil or empty vector encodes as nil so the column stays NULL.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding.
func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// scored pairs a candidate index with its similarity to the query.
type scored struct {
	index int
	score float64
}

// rankBySimilarity scores every candidate embedding against the query,
// drops candidates below threshold, and returns at most topK indexes in
// descending score order. topK <= 0 means unlimited.
func rankBySimilarity(query []float32, candidates [][]float32, threshold float64, topK int) []scored {
	results := make([]scored, 0, len(candidates))
	for i, c := range candidates {
		score := CosineSimilarity(query, c)
		if score < threshold {
			continue
		}
		results = append(results, scored{index: i, score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
