// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package cluster

import (
	"math"
	"sort"
)

// hdbscan clusters points by density: mutual-reachability distances, a
// minimum spanning tree, a condensed cluster hierarchy, and
// excess-of-mass cluster selection. Points that end up in no selected
// cluster are noise and are returned as singleton clusters.
func hdbscan(dist [][]float64, n, minClusterSize, minSamples int) [][]int {
	if n == 0 {
		return nil
	}
	if n <= minClusterSize {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}

	core := coreDistances(dist, n, minSamples)
	edges := minimumSpanningTree(dist, core, n)
	nodes := buildDendrogram(edges, n)
	tree := condense(nodes, n, minClusterSize)
	selected := selectClusters(tree)

	noise := make([]bool, n)
	for i := range noise {
		noise[i] = true
	}
	var groups [][]int
	for _, ci := range selected {
		members := tree.members(ci)
		for _, p := range members {
			noise[p] = false
		}
		sort.Ints(members)
		groups = append(groups, members)
	}
	for i := 0; i < n; i++ {
		if noise[i] {
			groups = append(groups, []int{i})
		}
	}
	return groups
}

// coreDistances returns each point's distance to its minSamples-th
// nearest neighbor.
func coreDistances(dist [][]float64, n, minSamples int) []float64 {
	if minSamples >= n {
		minSamples = n - 1
	}
	core := make([]float64, n)
	row := make([]float64, 0, n-1)
	for i := 0; i < n; i++ {
		row = row[:0]
		for j := 0; j < n; j++ {
			if j != i {
				row = append(row, dist[i][j])
			}
		}
		sort.Float64s(row)
		core[i] = row[minSamples-1]
	}
	return core
}

// mstEdge is one edge of the mutual-reachability spanning tree.
type mstEdge struct {
	a, b   int
	weight float64
}

// minimumSpanningTree runs Prim's algorithm over mutual reachability:
// mreach(a,b) = max(core(a), core(b), dist(a,b)).
func minimumSpanningTree(dist [][]float64, core []float64, n int) []mstEdge {
	inTree := make([]bool, n)
	bestDist := make([]float64, n)
	bestFrom := make([]int, n)
	for i := range bestDist {
		bestDist[i] = math.Inf(1)
	}
	inTree[0] = true
	for j := 1; j < n; j++ {
		bestDist[j] = mreach(dist, core, 0, j)
		bestFrom[j] = 0
	}

	edges := make([]mstEdge, 0, n-1)
	for len(edges) < n-1 {
		next := -1
		nextDist := math.Inf(1)
		for j := 0; j < n; j++ {
			if !inTree[j] && bestDist[j] < nextDist {
				next = j
				nextDist = bestDist[j]
			}
		}
		edges = append(edges, mstEdge{a: bestFrom[next], b: next, weight: nextDist})
		inTree[next] = true
		for j := 0; j < n; j++ {
			if !inTree[j] {
				if d := mreach(dist, core, next, j); d < bestDist[j] {
					bestDist[j] = d
					bestFrom[j] = next
				}
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })
	return edges
}

func mreach(dist [][]float64, core []float64, a, b int) float64 {
	d := dist[a][b]
	if core[a] > d {
		d = core[a]
	}
	if core[b] > d {
		d = core[b]
	}
	return d
}

// dendroNode is one merge in the single-linkage hierarchy. Leaves are
// node ids 0..n-1; internal node i lives at id n+i.
type dendroNode struct {
	left, right int
	dist        float64
	size        int
}

// buildDendrogram processes MST edges in ascending order, merging
// components scipy-linkage style.
func buildDendrogram(edges []mstEdge, n int) []dendroNode {
	parent := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	size := func(nodes []dendroNode, id int) int {
		if id < n {
			return 1
		}
		return nodes[id-n].size
	}

	nodes := make([]dendroNode, 0, n-1)
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		newID := n + len(nodes)
		nodes = append(nodes, dendroNode{
			left:  ra,
			right: rb,
			dist:  e.weight,
			size:  size(nodes, ra) + size(nodes, rb),
		})
		parent[ra] = newID
		parent[rb] = newID
	}
	return nodes
}

// condensedTree is the minClusterSize-pruned hierarchy. Each cluster
// records the lambda (1/distance) at which points fell out of it, its
// child clusters, and its accumulated stability.
type condensedTree struct {
	birthLambda []float64
	children    [][]int
	points      [][]int
	stability   []float64
}

func lambdaOf(d float64) float64 {
	if d <= 1e-10 {
		return 1e10
	}
	return 1 / d
}

// condense walks the dendrogram top-down. A split where both sides reach
// minClusterSize creates two child clusters; otherwise the undersized
// side's points fall out of the current cluster and the walk continues
// down the other side.
func condense(nodes []dendroNode, n, minClusterSize int) *condensedTree {
	tree := &condensedTree{}
	if len(nodes) == 0 {
		return tree
	}
	newCluster := func(birth float64) int {
		tree.birthLambda = append(tree.birthLambda, birth)
		tree.children = append(tree.children, nil)
		tree.points = append(tree.points, nil)
		tree.stability = append(tree.stability, 0)
		return len(tree.birthLambda) - 1
	}
	nodeSize := func(id int) int {
		if id < n {
			return 1
		}
		return nodes[id-n].size
	}
	var leavesUnder func(id int, out *[]int)
	leavesUnder = func(id int, out *[]int) {
		if id < n {
			*out = append(*out, id)
			return
		}
		leavesUnder(nodes[id-n].left, out)
		leavesUnder(nodes[id-n].right, out)
	}
	fallOut := func(cluster, nodeID int, lambda float64) {
		var pts []int
		leavesUnder(nodeID, &pts)
		for _, p := range pts {
			tree.points[cluster] = append(tree.points[cluster], p)
			tree.stability[cluster] += lambda - tree.birthLambda[cluster]
		}
	}

	type frame struct {
		nodeID  int
		cluster int
	}
	root := newCluster(0)
	stack := []frame{{nodeID: n + len(nodes) - 1, cluster: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.nodeID < n {
			lambda := 1e10
			tree.points[f.cluster] = append(tree.points[f.cluster], f.nodeID)
			tree.stability[f.cluster] += lambda - tree.birthLambda[f.cluster]
			continue
		}
		node := nodes[f.nodeID-n]
		lambda := lambdaOf(node.dist)
		left, right := node.left, node.right
		sizeL, sizeR := nodeSize(left), nodeSize(right)

		switch {
		case sizeL >= minClusterSize && sizeR >= minClusterSize:
			// True split: the parent dies here.
			tree.stability[f.cluster] += float64(sizeL+sizeR) * (lambda - tree.birthLambda[f.cluster])
			cl := newCluster(lambda)
			cr := newCluster(lambda)
			tree.children[f.cluster] = append(tree.children[f.cluster], cl, cr)
			stack = append(stack, frame{nodeID: left, cluster: cl}, frame{nodeID: right, cluster: cr})
		case sizeL >= minClusterSize:
			fallOut(f.cluster, right, lambda)
			stack = append(stack, frame{nodeID: left, cluster: f.cluster})
		case sizeR >= minClusterSize:
			fallOut(f.cluster, left, lambda)
			stack = append(stack, frame{nodeID: right, cluster: f.cluster})
		default:
			fallOut(f.cluster, left, lambda)
			fallOut(f.cluster, right, lambda)
		}
	}
	return tree
}

// selectClusters runs excess-of-mass selection: a cluster beats its
// descendants when its own stability is at least the sum of theirs. The
// root is never selected.
func selectClusters(tree *condensedTree) []int {
	n := len(tree.birthLambda)
	if n <= 1 {
		return nil
	}
	selected := make([]bool, n)
	subtreeStability := make([]float64, n)

	// Children always carry higher indexes, so a reverse scan is bottom-up.
	for i := n - 1; i >= 1; i-- {
		var childSum float64
		for _, c := range tree.children[i] {
			childSum += subtreeStability[c]
		}
		if len(tree.children[i]) == 0 || tree.stability[i] >= childSum {
			selected[i] = true
			subtreeStability[i] = tree.stability[i]
			var deselect func(int)
			deselect = func(ci int) {
				for _, c := range tree.children[ci] {
					selected[c] = false
					deselect(c)
				}
			}
			deselect(i)
		} else {
			subtreeStability[i] = childSum
		}
	}

	var out []int
	for i := 1; i < n; i++ {
		if selected[i] {
			out = append(out, i)
		}
	}
	return out
}

// members collects every point attached to the cluster or its descendants.
func (t *condensedTree) members(cluster int) []int {
	var out []int
	stack := []int{cluster}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, t.points[c]...)
		stack = append(stack, t.children[c]...)
	}
	return out
}
