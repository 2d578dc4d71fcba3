// Package features derives fixed-width numeric feature vectors from
// transactions and rescales them with profile-owned statistics.
//
// Vector layout (width fixed per profile version):
//
//	[0]            amount
//	[1]            log1p(|amount|)
//	[2..25]        hour-of-day one-hot
//	[26..32]       day-of-week one-hot
//	[33..33+W-1]   rolling transaction counts, one per window
//	[.. end]       category one-hot over the frozen vocabulary, plus one
//	               trailing slot for categories unseen at train time
//
// Extraction is deterministic: the same history and profile version always
// produce the same vector.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/thanujathanu123/finsight/internal/ingest"
)

const (
	hourSlots = 24
	daySlots  = 7

	idxAmount     = 0
	idxLogAmount  = 1
	idxHourStart  = 2
	idxDayStart   = idxHourStart + hourSlots
	idxCountStart = idxDayStart + daySlots
)

// Extractor computes feature vectors against a frozen category vocabulary
// and a fixed rolling-window set.
type Extractor struct {
	windows    []time.Duration
	vocabulary []string
	vocabIndex map[string]int
}

// NewExtractor creates an extractor for the given window set and vocabulary.
// The vocabulary must be the one frozen at the profile's current version.
func NewExtractor(windows []time.Duration, vocabulary []string) *Extractor {
	idx := make(map[string]int, len(vocabulary))
	for i, c := range vocabulary {
		idx[c] = i
	}
	return &Extractor{
		windows:    windows,
		vocabulary: vocabulary,
		vocabIndex: idx,
	}
}

// Width returns the feature vector width for this extractor.
func (e *Extractor) Width() int {
	return idxCountStart + len(e.windows) + len(e.vocabulary) + 1
}

// ContinuousIndices returns the indices of continuous features, the only
// ones the normalizer rescales: amount, log-amount, and the rolling counts.
func (e *Extractor) ContinuousIndices() []int {
	idx := []int{idxAmount, idxLogAmount}
	for i := range e.windows {
		idx = append(idx, idxCountStart+i)
	}
	return idx
}

// Extract computes the feature vector for tx. history holds the timestamps
// of the subject's transactions up to and including tx, ascending; rolling
// counts use the half-open window (t-w, t], so the triggering transaction
// counts itself.
func (e *Extractor) Extract(tx ingest.TransactionRecord, history []time.Time) []float64 {
	v := make([]float64, e.Width())

	v[idxAmount] = tx.Amount
	v[idxLogAmount] = math.Log1p(math.Abs(tx.Amount))

	v[idxHourStart+tx.Timestamp.Hour()] = 1
	v[idxDayStart+int(tx.Timestamp.Weekday())] = 1

	for i, w := range e.windows {
		v[idxCountStart+i] = float64(countInWindow(history, tx.Timestamp, w))
	}

	catStart := idxCountStart + len(e.windows)
	if slot, ok := e.vocabIndex[tx.Category]; ok {
		v[catStart+slot] = 1
	} else {
		v[catStart+len(e.vocabulary)] = 1 // unknown slot
	}

	return v
}

// countInWindow counts timestamps in (t-w, t]. history must be ascending.
func countInWindow(history []time.Time, t time.Time, w time.Duration) int {
	lo := t.Add(-w)
	// First index with ts > lo.
	start := sort.Search(len(history), func(i int) bool { return history[i].After(lo) })
	// First index with ts > t.
	end := sort.Search(len(history), func(i int) bool { return history[i].After(t) })
	if end < start {
		return 0
	}
	return end - start
}

// BuildVocabulary collects the sorted distinct categories of a training
// corpus. Called at retrain to freeze the vocabulary for the new version.
func BuildVocabulary(records []ingest.TransactionRecord) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		seen[r.Category] = struct{}{}
	}
	vocab := make([]string, 0, len(seen))
	for c := range seen {
		vocab = append(vocab, c)
	}
	sort.Strings(vocab)
	return vocab
}
