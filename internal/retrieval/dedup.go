package retrieval

import "github.com/fieldnotes/memoryengine/internal/model"

// dedupByArtifactOverlap scans spans in order and drops any whose
// [start_char, end_char) interval overlaps a previously kept span from the
// same artifact, stopping once finalK spans are kept. Order is preserved:
// callers must pass spans already in final rank order.
func dedupByArtifactOverlap(spans []model.HydratedSpan, finalK int) []model.HydratedSpan {
	type interval struct{ start, end int }
	kept := make([]model.HydratedSpan, 0, finalK)
	keptByArtifact := map[string][]interval{}

	for _, s := range spans {
		if len(kept) >= finalK {
			break
		}
		artifactKey := s.ArtifactID.String()
		overlaps := false
		for _, iv := range keptByArtifact[artifactKey] {
			if s.StartChar < iv.end && iv.start < s.EndChar {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		kept = append(kept, s)
		keptByArtifact[artifactKey] = append(keptByArtifact[artifactKey], interval{s.StartChar, s.EndChar})
	}
	return kept
}
