package round

import (
	"sort"

	"github.com/sarchlab/rendezvous/predicate"
)

// Solution is a consistent choice for a subtree. Rank lists the chosen batch
// index of every connector involved, in a fixed order: the connector itself
// first, then its children in port order.
type Solution struct {
	Pred predicate.Predicate
	Rank []int
}

func rankLess(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return len(a) < len(b)
}

type subtree struct {
	sols []Solution
	keys map[string]bool
}

// solutionStorage keeps the partial solutions of the native branches and of
// every child subtree, and combines them into solutions of the whole subtree
// as they arrive.
type solutionStorage struct {
	subtrees []*subtree
	index    map[int]int

	local []Solution
	keys  map[string]bool
	fresh []Solution
}

const nativeSubtree = -1

func newSolutionStorage(children []int) *solutionStorage {
	s := &solutionStorage{
		index: make(map[int]int),
		keys:  make(map[string]bool),
	}

	s.subtrees = append(s.subtrees, &subtree{keys: make(map[string]bool)})
	s.index[nativeSubtree] = 0

	for _, c := range children {
		s.index[c] = len(s.subtrees)
		s.subtrees = append(s.subtrees, &subtree{keys: make(map[string]bool)})
	}

	return s
}

// submit records a partial solution from the native branches (port -1) or
// from the child behind port p, and combines it with every compatible
// partial solution of the other subtrees.
func (s *solutionStorage) submit(p int, sol Solution) {
	idx, ok := s.index[p]
	if !ok {
		panic("solution from a port that is not a child")
	}

	sub := s.subtrees[idx]

	key := sol.Pred.Key()
	if sub.keys[key] {
		return
	}

	sub.keys[key] = true
	sub.sols = append(sub.sols, sol)

	parts := make([]Solution, len(s.subtrees))
	parts[idx] = sol
	s.combine(idx, 0, sol.Pred, parts)
}

func (s *solutionStorage) combine(
	fixed, i int,
	acc predicate.Predicate,
	parts []Solution,
) {
	if i == len(s.subtrees) {
		s.add(acc, parts)
		return
	}

	if i == fixed {
		s.combine(fixed, i+1, acc, parts)
		return
	}

	for _, other := range s.subtrees[i].sols {
		merged, ok := acc.Union(other.Pred)
		if !ok {
			continue
		}

		parts[i] = other
		s.combine(fixed, i+1, merged, parts)
	}
}

func (s *solutionStorage) add(pred predicate.Predicate, parts []Solution) {
	key := pred.Key()
	if s.keys[key] {
		return
	}

	s.keys[key] = true

	var rank []int
	for _, p := range parts {
		rank = append(rank, p.Rank...)
	}

	sol := Solution{Pred: pred, Rank: rank}
	s.local = append(s.local, sol)
	s.fresh = append(s.fresh, sol)
}

// drain returns the solutions found since the last call, lowest rank first.
func (s *solutionStorage) drain() []Solution {
	out := s.fresh
	s.fresh = nil

	sort.SliceStable(out, func(i, j int) bool {
		return rankLess(out[i].Rank, out[j].Rank)
	})

	return out
}

// best returns the lowest-ranked solution found so far.
func (s *solutionStorage) best() (Solution, bool) {
	if len(s.local) == 0 {
		return Solution{}, false
	}

	best := s.local[0]
	for _, sol := range s.local[1:] {
		if rankLess(sol.Rank, best.Rank) {
			best = sol
		}
	}

	return best, true
}

// reported reports whether any child subtree sent a solution.
func (s *solutionStorage) reported() bool {
	for _, sub := range s.subtrees[1:] {
		if len(sub.sols) > 0 {
			return true
		}
	}

	return false
}

// count returns how many solutions of the whole subtree were found.
func (s *solutionStorage) count() int {
	return len(s.local)
}
