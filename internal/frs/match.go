package frs

import (
	"github.com/vframe/recognition/internal/caches"
)

// Cosine is the plain dot product; both operands are expected to be
// L2-normalized already.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Match is one gallery hit.
type Match struct {
	IDDescriptor int32
	Cosine       float64
}

// BestMatch finds the gallery entry closest to the descriptor. Spawned
// winners are substituted by their parent id.
func BestMatch(descriptor []float32, gallery []caches.GalleryEntry) (Match, bool) {
	var best Match
	found := false
	for _, e := range gallery {
		cos := Cosine(descriptor, e.Vector)
		if !found || cos > best.Cosine {
			id := e.IDDescriptor
			if e.IDParent > 0 {
				id = e.IDParent
			}
			best = Match{IDDescriptor: id, Cosine: cos}
			found = true
		}
	}
	return best, found
}

// MatchStreamGallery accepts the best hit only at or past tolerance.
func MatchStreamGallery(descriptor []float32, gallery []caches.GalleryEntry, tolerance float64) (Match, bool) {
	best, found := BestMatch(descriptor, gallery)
	if !found || best.Cosine < tolerance {
		return Match{}, false
	}
	return best, true
}

// MatchSpecialGroups scans the listed special groups and records each
// group whose best hit clears tolerance.
func MatchSpecialGroups(descriptor []float32, cc *caches.FaceCaches, sgroups []int32, tolerance float64) map[int32]Match {
	var hits map[int32]Match
	for _, idSGroup := range sgroups {
		best, found := BestMatch(descriptor, cc.SGroupGallery(idSGroup))
		if !found || best.Cosine < tolerance {
			continue
		}
		if hits == nil {
			hits = make(map[int32]Match)
		}
		hits[idSGroup] = best
	}
	return hits
}
