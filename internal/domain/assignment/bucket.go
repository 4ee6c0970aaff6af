package assignment

import (
	"hash/fnv"

	"github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// bucketResolution fixes the granularity of the deterministic bucket at two
// decimal places: hashes collapse to one of 10000 positions in [0,100).
const bucketResolution = 10000

// gateSalt distinguishes the traffic-gate hash from the variant-selection
// hash so inclusion and variant choice are statistically independent: a
// subject near the low end of the gate space must not also cluster at the low
// end of the weight walk.
const gateSalt = "gate"

// hashKey folds the given parts through FNV-1a 64 and maps the sum onto
// [0,100) at bucketResolution granularity.  FNV is stable across processes
// and restarts, which is what makes assignments sticky without coordination.
func hashKey(parts ...string) float64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return float64(h.Sum64()%bucketResolution) / (bucketResolution / 100.0)
}

// Bucket returns the deterministic position of the subject in [0,100) for
// variant selection.  The same (salt, experiment, subject) triple always maps
// to the same bucket; the distribution over subjects is uniform, so the
// cumulative weight walk converges to the configured split.
func Bucket(salt string, experimentID common.ID, s Subject) float64 {
	if salt == "" {
		return hashKey(experimentID.String(), string(s.Kind), s.ID)
	}
	return hashKey(salt, experimentID.String(), string(s.Kind), s.ID)
}

// GateBucket returns the deterministic position of the subject in [0,100)
// for the traffic-allocation gate.  A subject is included while its gate
// bucket is strictly below the experiment's traffic allocation, which makes
// inclusion sticky: the same subject is consistently in or out for a fixed
// allocation, and raising the allocation only ever adds subjects.
func GateBucket(salt string, experimentID common.ID, s Subject) float64 {
	if salt == "" {
		return hashKey(gateSalt, experimentID.String(), string(s.Kind), s.ID)
	}
	return hashKey(gateSalt, salt, experimentID.String(), string(s.Kind), s.ID)
}

// SelectVariant walks the variants in creation order accumulating traffic
// weights until the cumulative sum exceeds the bucket value, and returns the
// variant at that point.  With bucket uniform on [0,100) and weights summing
// to 100, each variant is selected with probability proportional to its
// weight; a zero-weight variant is never selected.
//
// The final variant absorbs any residue left by weight-sum rounding, so a
// valid aggregate always yields a selection.  Returns nil only for an empty
// variant slice.
func SelectVariant(variants []experiment.Variant, bucket float64) *experiment.Variant {
	if len(variants) == 0 {
		return nil
	}
	cumulative := 0.0
	for i := range variants {
		cumulative += variants[i].Weight
		if bucket < cumulative {
			return &variants[i]
		}
	}
	// Weight-sum rounding left a sliver above the cumulative total; absorb it
	// into the last variant that actually carries weight.
	for i := len(variants) - 1; i >= 0; i-- {
		if variants[i].Weight > 0 {
			return &variants[i]
		}
	}
	return &variants[len(variants)-1]
}
