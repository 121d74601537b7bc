package deal

import "sort"

// SortChronologically returns the activities ordered ascending by their
// resolved timestamp. Activities with no resolvable timestamp sort first
// (zero instant), and equal timestamps keep their original relative order.
// The input slice is not modified.
func SortChronologically(activities []Activity) []Activity {
	out := make([]Activity, len(activities))
	copy(out, activities)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
