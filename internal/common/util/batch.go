package util

// Batch splits elements into batches of up to batchSize each.
func Batch[T any](elements []T, batchSize int) [][]T {
	batches := [][]T{}
	for i := 0; i < len(elements); i += batchSize {
		end := i + batchSize
		if end > len(elements) {
			end = len(elements)
		}
		batches = append(batches, elements[i:end])
	}
	return batches
}

// Min returns the smaller of a and b.
func Min(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
