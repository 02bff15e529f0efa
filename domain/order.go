package domain

import "sort"

// NextOrderValue returns the order for appending a task to a board:
// max(existing) + 1, or 0 for an empty board.
func NextOrderValue(existing []int) int {
	if len(existing) == 0 {
		return 0
	}
	max := existing[0]
	for _, o := range existing[1:] {
		if o > max {
			max = o
		}
	}
	return max + 1
}

// Reindex maps each id to its zero-based position. Applying the result yields
// a dense 0..N-1 order, so repeated reorders cannot drift order values apart.
func Reindex(ids []string) map[string]int {
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}
	return idx
}

// SortTasks sorts in place by the board-wide contract: order ascending, then
// createdAt ascending, then id. Ties on order only appear transiently from
// concurrent creations; the extra keys keep every client deterministic.
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Orders extracts the order values of the given tasks.
func Orders(tasks []Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.Order
	}
	return out
}
