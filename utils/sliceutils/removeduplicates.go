package sliceutils

// RemoveDuplicates returns the distinct entries of in, keeping the first
// occurrence of each in its original position.  A nil input yields nil.
func RemoveDuplicates[T comparable](in []T) []T {
	if in == nil {
		return nil
	}

	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
