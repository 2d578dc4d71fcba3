// Package anomaly implements unsupervised outlier scoring with an isolation
// forest: an ensemble of randomized space-partitioning trees built over a
// sample of the subject's normalized feature vectors. A point's anomaly score
// is a decreasing function of its average path length to isolation across the
// ensemble — points isolated by few random splits score near 1.
//
// The forest makes no distributional assumptions and handles multi-modal
// data, which is why it is used instead of simple mean/stddev thresholds.
package anomaly

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// Defaults matching the trained model's calibration.
const (
	DefaultTrees      = 100
	DefaultSampleSize = 256
	DefaultSeed       = 42
)

// ErrInsufficientData is returned when the training set is too small to
// build a meaningful ensemble.
var ErrInsufficientData = errors.New("anomaly: insufficient training data")

// Options controls forest training.
type Options struct {
	Trees      int   // number of trees in the ensemble
	SampleSize int   // per-tree subsample size
	Seed       int64 // RNG seed; fixed for reproducible retrains
}

func (o Options) withDefaults() Options {
	if o.Trees <= 0 {
		o.Trees = DefaultTrees
	}
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	return o
}

// Node is one split (or leaf) of an isolation tree. Serialized into the
// risk profile so scoring is reproducible for a given profile version.
type Node struct {
	SplitDim int     `json:"d,omitempty"`
	SplitVal float64 `json:"v,omitempty"`
	Left     *Node   `json:"l,omitempty"`
	Right    *Node   `json:"r,omitempty"`
	Size     int     `json:"n,omitempty"` // leaf: number of training points isolated here
}

func (n *Node) leaf() bool { return n.Left == nil && n.Right == nil }

// Forest is a trained isolation forest.
type Forest struct {
	Trees      []*Node `json:"trees"`
	SampleSize int     `json:"sampleSize"`

	// Threshold is the score at the contamination quantile of the training
	// sample. Points scoring below it are treated as expected. Used for
	// model evaluation only; alerting uses the fused risk score.
	Threshold float64 `json:"threshold"`
}

// Train builds an isolation forest over the given normalized vectors.
// contamination is the expected anomaly fraction, used only to calibrate
// Threshold. Training is deterministic for a fixed Options.Seed.
func Train(vectors [][]float64, contamination float64, opts Options) (*Forest, error) {
	if len(vectors) < 2 {
		return nil, ErrInsufficientData
	}
	opts = opts.withDefaults()

	psi := opts.SampleSize
	if psi > len(vectors) {
		psi = len(vectors)
	}
	depthLimit := int(math.Ceil(math.Log2(float64(psi))))
	rng := rand.New(rand.NewSource(opts.Seed))

	f := &Forest{
		Trees:      make([]*Node, 0, opts.Trees),
		SampleSize: psi,
	}
	for i := 0; i < opts.Trees; i++ {
		sample := sampleIndices(rng, len(vectors), psi)
		f.Trees = append(f.Trees, buildTree(vectors, sample, 0, depthLimit, rng))
	}

	f.Threshold = f.calibrate(vectors, contamination)
	return f, nil
}

// Score returns the anomaly score for a normalized vector, in [0,1].
// Higher means more anomalous.
func (f *Forest) Score(v []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}

	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, v, 0)
	}
	avg := total / float64(len(f.Trees))

	// s = 2^(-E[h(x)] / c(psi)); avg path near 0 => s near 1.
	return math.Pow(2, -avg/avgPathLength(f.SampleSize))
}

// Inlier reports whether the point scores below the contamination-calibrated
// threshold, i.e. is treated as expected data.
func (f *Forest) Inlier(v []float64) bool {
	return f.Score(v) < f.Threshold
}

// calibrate finds the score threshold such that the contamination fraction
// of training points score at or above it.
func (f *Forest) calibrate(vectors [][]float64, contamination float64) float64 {
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = f.Score(v)
	}
	sort.Float64s(scores)

	k := int(math.Ceil(contamination * float64(len(scores))))
	if k < 1 {
		k = 1
	}
	if k > len(scores) {
		k = len(scores)
	}
	return scores[len(scores)-k]
}

// sampleIndices draws psi distinct indices from [0, n) deterministically
// for the given rng state (partial Fisher-Yates).
func sampleIndices(rng *rand.Rand, n, psi int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < psi; i++ {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:psi]
}

// buildTree recursively partitions the subset on a random dimension and
// threshold until points are isolated or the depth limit is reached.
func buildTree(vectors [][]float64, subset []int, depth, depthLimit int, rng *rand.Rand) *Node {
	if len(subset) <= 1 || depth >= depthLimit {
		return &Node{Size: len(subset)}
	}

	dim, lo, hi, ok := pickSplitDim(vectors, subset, rng)
	if !ok {
		// All points identical across every dimension: cannot split further.
		return &Node{Size: len(subset)}
	}

	split := lo + rng.Float64()*(hi-lo)

	var left, right []int
	for _, idx := range subset {
		if vectors[idx][dim] < split {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	// A degenerate split can leave one side empty when split == lo.
	if len(left) == 0 || len(right) == 0 {
		return &Node{Size: len(subset)}
	}

	return &Node{
		SplitDim: dim,
		SplitVal: split,
		Left:     buildTree(vectors, left, depth+1, depthLimit, rng),
		Right:    buildTree(vectors, right, depth+1, depthLimit, rng),
	}
}

// pickSplitDim chooses a random dimension with non-constant values in the
// subset and returns its value range.
func pickSplitDim(vectors [][]float64, subset []int, rng *rand.Rand) (dim int, lo, hi float64, ok bool) {
	width := len(vectors[subset[0]])
	start := rng.Intn(width)
	for offset := 0; offset < width; offset++ {
		d := (start + offset) % width
		lo, hi = math.Inf(1), math.Inf(-1)
		for _, idx := range subset {
			v := vectors[idx][d]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi > lo {
			return d, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

// pathLength walks a vector down a tree, adding the expected remaining
// depth at an unresolved leaf.
func pathLength(n *Node, v []float64, depth int) float64 {
	if n.leaf() {
		return float64(depth) + avgPathLength(n.Size)
	}
	if v[n.SplitDim] < n.SplitVal {
		return pathLength(n.Left, v, depth+1)
	}
	return pathLength(n.Right, v, depth+1)
}

const eulerMascheroni = 0.5772156649015329

// avgPathLength is c(n), the average path length of an unsuccessful BST
// search over n points — the standard isolation forest normalizer.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
	}
}
