package nats

import "hash/fnv"

// JumpHash maps key onto one of buckets using Lamping and Veach's jump
// consistent hash. Growing buckets from n to n+1 moves only the keys that
// land on the new bucket.
func JumpHash(key uint64, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// Partition returns the producer index serving aggregateKey.
func Partition(aggregateKey string, producers int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(aggregateKey))
	return JumpHash(h.Sum64(), producers)
}
