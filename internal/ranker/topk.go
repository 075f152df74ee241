package ranker

import (
	"container/heap"
	"slices"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

// topK keeps the k best results seen so far. The worst kept result sits at
// the root so a better one can replace it in O(log k).
type topK struct {
	k int
	h resultHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(resultHeap, 0, min(max(k, 0), 64))}
}

func (t *topK) Offer(res models.RetrieveResult) {
	if t.k <= 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, res)
		return
	}
	if compareResults(res, t.h[0]) < 0 {
		t.h[0] = res
		heap.Fix(&t.h, 0)
	}
}

// Sorted returns the kept results best first.
func (t *topK) Sorted() []models.RetrieveResult {
	out := slices.Clone([]models.RetrieveResult(t.h))
	sortResults(out)
	return out
}

type resultHeap []models.RetrieveResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return compareResults(h[i], h[j]) > 0 }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x any) { *h = append(*h, x.(models.RetrieveResult)) }

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
