// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package cluster groups raw feedbacks by embedding similarity. Small
// inputs use agglomerative clustering with a fixed cosine-distance
// threshold; larger inputs use HDBSCAN with noise points kept as
// singleton clusters. Cluster membership is summarized by a fingerprint
// so downstream aggregation can detect unchanged clusters.
package cluster

import (
	"math"
	"sort"
)

// Defaults for the clustering stage.
const (
	// AgglomerativeThreshold is the cosine-distance cutoff for merging.
	AgglomerativeThreshold = 0.35

	// HDBSCANCutover is the input size at which HDBSCAN takes over.
	HDBSCANCutover = 50

	// MinSamples is the HDBSCAN core-distance neighbor count.
	MinSamples = 2
)

// Item is one clusterable element.
type Item struct {
	ID        string
	Embedding []float32
}

// Options tunes Cluster. The zero value uses package defaults.
type Options struct {
	// Threshold overrides AgglomerativeThreshold when > 0.
	Threshold float64

	// MinFeedbackThreshold drops clusters smaller than this from the
	// result. <= 0 keeps everything.
	MinFeedbackThreshold int
}

// Cluster partitions items and returns clusters of item IDs, ordered by
// descending size (ties broken by smallest member id). IDs within a
// cluster are sorted ascending.
func Cluster(items []Item, opts Options) [][]string {
	if len(items) == 0 {
		return nil
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = AgglomerativeThreshold
	}

	dist := distanceMatrix(items)

	var groups [][]int
	if len(items) < HDBSCANCutover {
		groups = agglomerative(dist, len(items), threshold)
	} else {
		minClusterSize := int(math.Floor(math.Sqrt(float64(len(items)))))
		if minClusterSize < 2 {
			minClusterSize = 2
		}
		groups = hdbscan(dist, len(items), minClusterSize, MinSamples)
		// Noise singletons do not count as clusters here; density that
		// thin means the data did not support HDBSCAN's density model.
		real := 0
		for _, g := range groups {
			if len(g) >= 2 {
				real++
			}
		}
		if real < 2 {
			groups = agglomerative(dist, len(items), threshold)
		}
	}

	var out [][]string
	for _, g := range groups {
		if opts.MinFeedbackThreshold > 0 && len(g) < opts.MinFeedbackThreshold {
			continue
		}
		ids := make([]string, len(g))
		for i, idx := range g {
			ids[i] = items[idx].ID
		}
		sort.Strings(ids)
		out = append(out, ids)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}

// cosineDistance is 1 - cosine similarity, clamped to [0, 2].
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func distanceMatrix(items []Item) [][]float64 {
	n := len(items)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := cosineDistance(items[i].Embedding, items[j].Embedding)
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

// agglomerative merges clusters by average linkage until no pair is
// closer than threshold. Minimum cluster size is 1.
func agglomerative(dist [][]float64, n int, threshold float64) [][]int {
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for len(clusters) > 1 {
		bestI, bestJ := -1, -1
		bestD := math.Inf(1)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := averageLinkage(dist, clusters[i], clusters[j])
				if d < bestD {
					bestD = d
					bestI, bestJ = i, j
				}
			}
		}
		if bestD >= threshold {
			break
		}
		merged := append(append([]int{}, clusters[bestI]...), clusters[bestJ]...)
		clusters[bestI] = merged
		clusters = append(clusters[:bestJ], clusters[bestJ+1:]...)
	}
	return clusters
}

func averageLinkage(dist [][]float64, a, b []int) float64 {
	var sum float64
	for _, i := range a {
		for _, j := range b {
			sum += dist[i][j]
		}
	}
	return sum / float64(len(a)*len(b))
}
