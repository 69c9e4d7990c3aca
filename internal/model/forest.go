package model

import (
	"math"
	"math/rand"
)

// ForestConfig controls Isolation Forest training.
type ForestConfig struct {
	NEstimators   int
	Contamination float64
	RandomSeed    int64
	SubsampleSize int
}

// DefaultForestConfig matches the spec's declared defaults.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NEstimators:   100,
		Contamination: 0.05,
		RandomSeed:    42,
		SubsampleSize: 256,
	}
}

// isolationNode is one node of an isolation tree: either an internal split
// on featureIdx at splitValue, or an external (leaf) node recording the
// number of training points that reached it.
type isolationNode struct {
	isExternal bool
	size       int
	featureIdx int
	splitValue float64
	left       *isolationNode
	right      *isolationNode
}

// Forest is an ensemble of isolation trees built over standardized feature
// vectors.
type Forest struct {
	Trees         []*isolationNode
	SampleSize    int
	Contamination float64
	offset        float64 // (1-contamination) quantile of training rawPathScores; DecisionFunction is offset minus the score
}

// FitForest builds NEstimators isolation trees, each over a random
// subsample of rows (without replacement, size min(SubsampleSize,
// len(rows))).
func FitForest(rows [][]float64, cfg ForestConfig) *Forest {
	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	sampleSize := cfg.SubsampleSize
	if sampleSize > len(rows) || sampleSize <= 0 {
		sampleSize = len(rows)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	f := &Forest{SampleSize: sampleSize, Contamination: cfg.Contamination}
	for i := 0; i < cfg.NEstimators; i++ {
		sample := subsample(rows, sampleSize, rng)
		f.Trees = append(f.Trees, buildTree(sample, 0, maxDepth, rng))
	}

	// Calibrate offset at the (1-contamination) quantile of training raw
	// scores: since rawPathScore runs higher for more anomalous points,
	// only the top contamination-fraction of training scores end up above
	// the offset, matching the configured contamination rate.
	scores := make([]float64, len(rows))
	for i, row := range rows {
		scores[i] = f.rawPathScore(row)
	}
	f.offset = quantile(scores, 1-cfg.Contamination)
	return f
}

func subsample(rows [][]float64, size int, rng *rand.Rand) [][]float64 {
	idx := rng.Perm(len(rows))
	if size > len(idx) {
		size = len(idx)
	}
	out := make([][]float64, size)
	for i := 0; i < size; i++ {
		out[i] = rows[idx[i]]
	}
	return out
}

func buildTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *isolationNode {
	if depth >= maxDepth || len(rows) <= 1 || allIdentical(rows) {
		return &isolationNode{isExternal: true, size: len(rows)}
	}

	nFeatures := len(rows[0])
	featureIdx := rng.Intn(nFeatures)

	lo, hi := rows[0][featureIdx], rows[0][featureIdx]
	for _, r := range rows {
		if r[featureIdx] < lo {
			lo = r[featureIdx]
		}
		if r[featureIdx] > hi {
			hi = r[featureIdx]
		}
	}
	if lo == hi {
		return &isolationNode{isExternal: true, size: len(rows)}
	}
	splitValue := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, r := range rows {
		if r[featureIdx] < splitValue {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationNode{isExternal: true, size: len(rows)}
	}

	return &isolationNode{
		isExternal: false,
		featureIdx: featureIdx,
		splitValue: splitValue,
		left:       buildTree(left, depth+1, maxDepth, rng),
		right:      buildTree(right, depth+1, maxDepth, rng),
	}
}

func allIdentical(rows [][]float64) bool {
	if len(rows) <= 1 {
		return true
	}
	for _, r := range rows[1:] {
		for i := range r {
			if r[i] != rows[0][i] {
				return false
			}
		}
	}
	return true
}

// cFactor is the average path length of an unsuccessful BST search,
// the standard Isolation Forest normalization constant.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*(math.Log(float64(n-1))+0.5772156649) - 2*float64(n-1)/float64(n)
}

func pathLength(node *isolationNode, vec []float64, depth int) float64 {
	if node.isExternal {
		return float64(depth) + cFactor(node.size)
	}
	if vec[node.featureIdx] < node.splitValue {
		return pathLength(node.left, vec, depth+1)
	}
	return pathLength(node.right, vec, depth+1)
}

// rawPathScore is the standard Isolation Forest anomaly score in [0,1]:
// 2^(-avgPathLength / c(sampleSize)), where higher means more anomalous.
func (f *Forest) rawPathScore(vec []float64) float64 {
	total := 0.0
	for _, t := range f.Trees {
		total += pathLength(t, vec, 0)
	}
	avg := total / float64(len(f.Trees))
	c := cFactor(f.SampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// DecisionFunction mirrors scikit-learn's convention: positive for
// inliers, negative for outliers, with the contamination quantile of
// training scores mapped to zero.
func (f *Forest) DecisionFunction(vec []float64) float64 {
	return f.offset - f.rawPathScore(vec)
}

// Predict returns -1 for an anomaly (decision function < 0), +1
// otherwise.
func (f *Forest) Predict(vec []float64) int {
	if f.DecisionFunction(vec) < 0 {
		return -1
	}
	return 1
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	cp := append([]float64(nil), sorted...)
	sortFloats(cp)
	idx := int(q * float64(len(cp)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(cp) {
		idx = len(cp) - 1
	}
	return cp[idx]
}

func sortFloats(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
