// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package outlier trains and serves per-tenant isolation forest models over
// extracted feature vectors. Models are advisory: a missing or stale model
// skips scoring rather than blocking the pipeline.
package outlier

import (
	"math"
	"math/rand"
	"sort"

	"github.com/goccy/go-json"
)

// Forest is an isolation forest over fixed-width feature vectors. Trees
// are built from random axis-aligned splits; anomalous points isolate in
// short paths. The JSON-tagged fields make the model snapshottable.
type Forest struct {
	Trees      []*tree `json:"trees"`
	NumTrees   int     `json:"num_trees"`
	SampleSize int     `json:"sample_size"`
	HeightLim  int     `json:"height_limit"`

	// Threshold is the contamination-quantile cutoff set at training time.
	// Scores at or above it flag as outliers.
	Threshold float64 `json:"threshold"`
}

type tree struct {
	Root *node `json:"root"`
}

type node struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *node   `json:"left,omitempty"`
	Right    *node   `json:"right,omitempty"`
}

// NewForest creates an untrained forest.
func NewForest(numTrees, sampleSize int) *Forest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &Forest{
		NumTrees:   numTrees,
		SampleSize: sampleSize,
		HeightLim:  int(math.Ceil(math.Log2(float64(sampleSize)))),
	}
}

// Fit builds the trees from vectors and sets the outlier threshold at the
// 1-contamination quantile of the training scores. The seed makes training
// reproducible; callers pass a time-derived seed in production.
func (f *Forest) Fit(vectors [][]float64, contamination float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	n := len(vectors)

	f.Trees = make([]*tree, f.NumTrees)
	for i := 0; i < f.NumTrees; i++ {
		idxs := rng.Perm(n)
		m := f.SampleSize
		if m > n {
			m = n
		}
		sample := make([][]float64, m)
		for j := 0; j < m; j++ {
			sample[j] = vectors[idxs[j]]
		}
		f.Trees[i] = &tree{Root: buildNode(rng, sample, 0, f.HeightLim)}
	}

	// Threshold = the score above which the top `contamination` fraction
	// of the training set falls.
	scores := make([]float64, n)
	for i, v := range vectors {
		scores[i] = f.Score(v)
	}
	sort.Float64s(scores)
	cut := int(float64(n) * (1 - contamination))
	if cut >= n {
		cut = n - 1
	}
	if cut < 0 {
		cut = 0
	}
	f.Threshold = scores[cut]
}

func buildNode(rng *rand.Rand, vectors [][]float64, h, hlim int) *node {
	if len(vectors) <= 1 || h >= hlim {
		return &node{Leaf: true, Size: len(vectors)}
	}

	dim := rng.Intn(len(vectors[0]))
	minv, maxv := vectors[0][dim], vectors[0][dim]
	for _, v := range vectors[1:] {
		if v[dim] < minv {
			minv = v[dim]
		}
		if v[dim] > maxv {
			maxv = v[dim]
		}
	}
	if minv == maxv {
		return &node{Leaf: true, Size: len(vectors)}
	}

	split := minv + rng.Float64()*(maxv-minv)
	left := make([][]float64, 0, len(vectors))
	right := make([][]float64, 0, len(vectors))
	for _, v := range vectors {
		if v[dim] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Leaf: true, Size: len(vectors)}
	}

	return &node{
		Dim:      dim,
		SplitVal: split,
		Left:     buildNode(rng, left, h+1, hlim),
		Right:    buildNode(rng, right, h+1, hlim),
	}
}

// cFactor is c(n), the average unsuccessful-search path length in a binary
// search tree, used to normalize path lengths.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}

func pathLength(nd *node, x []float64, h int) float64 {
	if nd.Leaf {
		if nd.Size <= 1 {
			return float64(h)
		}
		return float64(h) + cFactor(nd.Size)
	}
	if x[nd.Dim] < nd.SplitVal {
		return pathLength(nd.Left, x, h+1)
	}
	return pathLength(nd.Right, x, h+1)
}

// Score returns the anomaly score in [0,1]; higher is more anomalous.
// An untrained forest scores everything 0.
func (f *Forest) Score(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t.Root, x, 0)
	}
	avgPath := sum / float64(len(f.Trees))
	c := cFactor(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -avgPath/c)
}

// MarshalSnapshot encodes the trained forest for persistence.
func (f *Forest) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalSnapshot decodes a persisted forest.
func UnmarshalSnapshot(data []byte) (*Forest, error) {
	f := &Forest{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}
