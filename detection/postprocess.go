package detection

import (
	"fmt"
	"sort"
)

// Box is a bounding box in normalized centre-x, centre-y, width, height.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// DetectedObject is one detection.
type DetectedObject struct {
	Label      string  `json:"label"`
	ClassIndex int     `json:"class_index"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	ax1, ay1, ax2, ay2 := a.X-a.W/2, a.Y-a.H/2, a.X+a.W/2, a.Y+a.H/2
	bx1, by1, bx2, by2 := b.X-b.W/2, b.Y-b.H/2, b.X+b.W/2, b.Y+b.H/2

	iw := min(ax2, bx2) - max(ax1, bx1)
	ih := min(ay2, by2) - max(ay1, by1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Decode turns a YOLOv8 output tensor [1, 4+C, A] into detections. Rows
// 0-3 hold cx, cy, w, h in input pixels; rows 4.. hold class scores.
// Candidates below confidence are dropped and overlapping boxes of the same
// class are suppressed when their IoU exceeds iou. Results are ordered by
// confidence.
func Decode(output []float32, numClasses, inputSize int, confidence, iou float64, names []string) ([]DetectedObject, error) {
	rows := 4 + numClasses
	if numClasses <= 0 || len(output) == 0 || len(output)%rows != 0 {
		return nil, fmt.Errorf("output of %d values does not fit %d rows", len(output), rows)
	}
	anchors := len(output) / rows
	scale := 1 / float64(inputSize)

	var candidates []DetectedObject
	for a := 0; a < anchors; a++ {
		best, bestScore := 0, output[4*anchors+a]
		for c := 1; c < numClasses; c++ {
			if s := output[(4+c)*anchors+a]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if float64(bestScore) < confidence {
			continue
		}
		candidates = append(candidates, DetectedObject{
			Label:      labelFor(names, best),
			ClassIndex: best,
			Confidence: float64(bestScore),
			Box: Box{
				X: float64(output[a]) * scale,
				Y: float64(output[anchors+a]) * scale,
				W: float64(output[2*anchors+a]) * scale,
				H: float64(output[3*anchors+a]) * scale,
			},
		})
	}

	return nms(candidates, iou), nil
}

// nms keeps the highest-confidence box of each overlapping same-class group.
func nms(candidates []DetectedObject, iou float64) []DetectedObject {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	kept := make([]DetectedObject, 0, len(candidates))
	for _, c := range candidates {
		suppressed := false
		for _, k := range kept {
			if k.ClassIndex == c.ClassIndex && IoU(k.Box, c.Box) > iou {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

func labelFor(names []string, idx int) string {
	if idx < len(names) && names[idx] != "" {
		return names[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}
