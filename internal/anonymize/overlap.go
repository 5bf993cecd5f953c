package anonymize

import (
	"sort"

	"llmshield/internal/core"
)

// ResolveOverlaps reduces a set of entities to a non-overlapping set by a
// single left-to-right sweep over start-sorted entities: two entities
// overlap iff e1.Start < e2.End && e2.Start < e1.End; at each conflict the
// higher-confidence entity is kept, ties keep the earlier (already-kept)
// one. The result is sorted by Start and contains at most len(entities)
// elements.
func ResolveOverlaps(entities []core.Entity) []core.Entity {
	if len(entities) == 0 {
		return nil
	}

	sorted := make([]core.Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	kept := make([]core.Entity, 0, len(sorted))
	kept = append(kept, sorted[0])

	for _, e := range sorted[1:] {
		last := &kept[len(kept)-1]
		if overlaps(*last, e) {
			if e.Confidence > last.Confidence {
				*last = e
			}
			continue
		}
		kept = append(kept, e)
	}

	return kept
}

func overlaps(a, b core.Entity) bool {
	return a.Start < b.End && b.Start < a.End
}
