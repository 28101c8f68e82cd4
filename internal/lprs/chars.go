package lprs

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"

	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/inference"
)

// charLabels maps char detector classes to plate symbols.
const charLabels = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// plateLetters are the symbols allowed at the letter positions of a
// Russian registration number.
const plateLetters = "ABCEHKMOPTXY"

type charBox struct {
	rect  imgproc.RectF
	label byte
	score float64
}

// RectifyPlate warps the plate quad to the physical plate proportions.
// The result is inputWidth wide with the height following the class
// aspect ratio.
func RectifyPlate(frame *image.RGBA, p Plate, inputWidth int) (*image.RGBA, bool) {
	w := inputWidth
	h := int(math.Round(float64(inputWidth) * p.Class.Aspect()))
	if h < 1 {
		h = 1
	}
	dst := [4]imgproc.PointF{
		{X: 0, Y: 0},
		{X: float32(w), Y: 0},
		{X: float32(w), Y: float32(h)},
		{X: 0, Y: float32(h)},
	}
	m, ok := imgproc.GetPerspectiveTransform(p.Kpts, dst)
	if !ok {
		return nil, false
	}
	return imgproc.WarpPerspective(frame, m, w, h), true
}

// RecognizePlate runs the char model on a rectified plate and assembles
// candidate numbers ordered by score. An empty result means the plate
// could not be read.
func RecognizePlate(ctx context.Context, cli *inference.Client, mc ModelConfig, frame *image.RGBA, p *Plate, cfg PlateConfig) error {
	rectified, ok := RectifyPlate(frame, *p, mc.InputWidth)
	if !ok {
		return fmt.Errorf("plate quad is degenerate")
	}
	lb := imgproc.LetterboxResize(rectified, mc.InputWidth, mc.InputHeight, letterboxPad)
	tensor := imgproc.ToTensorCHW(lb.Image, imgproc.NormScale)

	out, err := cli.Infer(ctx, inference.Request{
		Server:     mc.Server,
		Model:      mc.ModelName,
		InputName:  mc.InputTensorName,
		OutputName: mc.OutputTensorName,
		Shape:      []int64{1, 3, int64(mc.InputHeight), int64(mc.InputWidth)},
		Data:       tensor,
	})
	if err != nil {
		return err
	}
	n := len(out) / 40
	if n == 0 {
		return fmt.Errorf("char model: unexpected output length %d", len(out))
	}

	chars := decodeChars(out, n, lb, cfg.CharScore)
	chars = nmsChars(chars, cfg.CharIoUThreshold)
	sortChars(chars, p.Class)
	candidates := assembleNumbers(chars, cfg.CharIoUThreshold)
	candidates = filterValidNumbers(candidates)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	p.Numbers = candidates
	if len(candidates) > 0 {
		p.Number = candidates[0].Number
		p.NumScore = candidates[0].Score
	}
	return nil
}

func decodeChars(out []float32, n int, lb imgproc.Letterbox, minScore float64) []charBox {
	var chars []charBox
	for k := 0; k < n; k++ {
		best, bestClass := float64(-1), 0
		for c := 0; c < len(charLabels); c++ {
			if s := float64(out[(4+c)*n+k]); s > best {
				best, bestClass = s, c
			}
		}
		if best < minScore {
			continue
		}
		cx := float64(out[0*n+k])
		cy := float64(out[1*n+k])
		w := float64(out[2*n+k])
		h := float64(out[3*n+k])
		chars = append(chars, charBox{
			rect: imgproc.RectF{
				X0: float32(lb.ToOriginalX(cx - w/2)),
				Y0: float32(lb.ToOriginalY(cy - h/2)),
				X1: float32(lb.ToOriginalX(cx + w/2)),
				Y1: float32(lb.ToOriginalY(cy + h/2)),
			},
			label: charLabels[bestClass],
			score: best,
		})
	}
	return chars
}

// nmsChars drops a lower-scored char only when a higher one with the
// same label overlaps it. Different labels on the same spot survive as
// alternative readings.
func nmsChars(chars []charBox, iou float64) []charBox {
	sort.Slice(chars, func(i, j int) bool { return chars[i].score > chars[j].score })
	var kept []charBox
	for _, c := range chars {
		ok := true
		for _, k := range kept {
			if c.label == k.label && float64(imgproc.IoU(c.rect, k.rect)) > iou {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, c)
		}
	}
	return kept
}

// sortChars orders chars into reading order. Two-row plates are split
// at the vertical midpoint of all boxes and read row by row.
func sortChars(chars []charBox, class PlateClass) {
	if class != ClassRu1a {
		sort.Slice(chars, func(i, j int) bool { return chars[i].rect.X0 < chars[j].rect.X0 })
		return
	}
	if len(chars) == 0 {
		return
	}
	minY, maxY := chars[0].rect.Y0, chars[0].rect.Y1
	for _, c := range chars[1:] {
		if c.rect.Y0 < minY {
			minY = c.rect.Y0
		}
		if c.rect.Y1 > maxY {
			maxY = c.rect.Y1
		}
	}
	midY := (minY + maxY) / 2
	row := func(c charBox) int {
		if (c.rect.Y0+c.rect.Y1)/2 < midY {
			return 0
		}
		return 1
	}
	sort.Slice(chars, func(i, j int) bool {
		ri, rj := row(chars[i]), row(chars[j])
		if ri != rj {
			return ri < rj
		}
		return chars[i].rect.X0 < chars[j].rect.X0
	})
}

// assembleNumbers expands overlapping chars into alternative readings
// and builds the multiplicative cross product of candidates. Chars in
// reading order whose boxes overlap above the IoU threshold form one
// alternative set for a single plate position.
func assembleNumbers(chars []charBox, iou float64) []PlateNumber {
	candidates := []PlateNumber{{Number: "", Score: 1}}
	for i := 0; i < len(chars); {
		group := []charBox{chars[i]}
		j := i + 1
		for ; j < len(chars); j++ {
			if float64(imgproc.IoU(chars[i].rect, chars[j].rect)) > iou {
				group = append(group, chars[j])
			} else {
				break
			}
		}
		next := make([]PlateNumber, 0, len(candidates)*len(group))
		for _, alt := range group {
			for _, c := range candidates {
				next = append(next, PlateNumber{
					Number: c.Number + string(alt.label),
					Score:  c.Score * alt.score,
				})
			}
		}
		candidates = next
		i = j
	}
	if len(candidates) == 1 && candidates[0].Number == "" {
		return nil
	}
	return candidates
}

// filterValidNumbers keeps readings matching the registration number
// layout: 8 or 9 symbols, letters at positions 0, 4 and 5, digits
// elsewhere.
func filterValidNumbers(candidates []PlateNumber) []PlateNumber {
	out := candidates[:0]
	for _, c := range candidates {
		if validNumber(c.Number) {
			out = append(out, c)
		}
	}
	return out
}

func validNumber(num string) bool {
	if len(num) < 8 || len(num) > 9 {
		return false
	}
	for i := 0; i < len(num); i++ {
		if i == 0 || i == 4 || i == 5 {
			if !strings.ContainsRune(plateLetters, rune(num[i])) {
				return false
			}
		} else if num[i] < '0' || num[i] > '9' {
			return false
		}
	}
	return true
}
