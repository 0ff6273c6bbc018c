package engine

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// DelayFor returns the wait before the retry that follows the n-th failure
// (1-indexed) of a kind: BaseDelay*2^(n-1), capped at MaxDelay, then moved
// by up to ±Jitter of itself. The same seed always yields the same delay.
func DelayFor(n int, p KindPolicy, jitterSeed string) time.Duration {
	if n < 1 {
		n = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	base := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.MaxDelay > 0 {
		base = math.Min(base, float64(p.MaxDelay))
	}

	// Jitter applies after capping.
	if p.Jitter > 0 {
		base *= 1 + p.Jitter*(2*jitterUnit(jitterSeed)-1) // [1-j, 1+j]
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	// Map uint64 -> [0,1].
	const max = float64(^uint64(0))
	return float64(u) / max
}
