package reconciler

import (
	"math"
	"sort"

	"pdf-translator/internal/document"
)

// rowTolerance treats blocks within this many points vertically as one row
const rowTolerance = 5.0

// orderPage sorts one page's blocks into reading order: column detection by
// k-means on x-centers (k is 1 or 2), left column first, top to bottom within
// a column. Coordinates have a bottom-left origin, so top of page is high Y.
func orderPage(blocks []*document.ContentBlock, pageWidth float64) []*document.ContentBlock {
	if len(blocks) < 2 {
		return blocks
	}

	xs := make([]float64, len(blocks))
	for i, b := range blocks {
		xs[i] = b.BBox.CenterX()
	}

	left, right, twoColumns := splitColumns(xs, pageWidth)
	if !twoColumns {
		sorted := append([]*document.ContentBlock(nil), blocks...)
		sortByReadingOrder(sorted)
		return sorted
	}

	var leftBlocks, rightBlocks []*document.ContentBlock
	for i, b := range blocks {
		if math.Abs(xs[i]-left) <= math.Abs(xs[i]-right) {
			leftBlocks = append(leftBlocks, b)
		} else {
			rightBlocks = append(rightBlocks, b)
		}
	}
	sortByReadingOrder(leftBlocks)
	sortByReadingOrder(rightBlocks)
	return append(leftBlocks, rightBlocks...)
}

// sortByReadingOrder orders blocks top to bottom, breaking near-ties by X
func sortByReadingOrder(blocks []*document.ContentBlock) {
	sort.SliceStable(blocks, func(i, j int) bool {
		yi, yj := blocks[i].BBox.Y, blocks[j].BBox.Y
		if math.Abs(yi-yj) > rowTolerance {
			return yi > yj
		}
		return blocks[i].BBox.X < blocks[j].BBox.X
	})
}

// splitColumns runs 1D k-means with k=2 over x-centers and decides whether
// the page really has two columns. It returns the two centroids and whether
// the two-column split should be used.
func splitColumns(xs []float64, pageWidth float64) (left, right float64, two bool) {
	if len(xs) < 4 {
		return 0, 0, false
	}

	minX, maxX := xs[0], xs[0]
	for _, x := range xs {
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
	}
	if maxX-minX < 1 {
		return 0, 0, false
	}

	c0, c1 := minX, maxX
	var n0, n1 int
	for iter := 0; iter < 16; iter++ {
		var sum0, sum1 float64
		n0, n1 = 0, 0
		for _, x := range xs {
			if math.Abs(x-c0) <= math.Abs(x-c1) {
				sum0 += x
				n0++
			} else {
				sum1 += x
				n1++
			}
		}
		if n0 == 0 || n1 == 0 {
			return 0, 0, false
		}
		next0, next1 := sum0/float64(n0), sum1/float64(n1)
		if math.Abs(next0-c0) < 0.5 && math.Abs(next1-c1) < 0.5 {
			c0, c1 = next0, next1
			break
		}
		c0, c1 = next0, next1
	}

	// Accept two columns only when the centroids are genuinely separated and
	// neither cluster is a stray minority.
	if pageWidth <= 0 {
		pageWidth = maxX - minX
	}
	separated := (c1 - c0) > pageWidth*0.25
	minShare := float64(len(xs)) * 0.2
	balanced := float64(n0) >= minShare && float64(n1) >= minShare
	if separated && balanced {
		return c0, c1, true
	}
	return 0, 0, false
}
