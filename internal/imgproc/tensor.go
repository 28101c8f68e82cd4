package imgproc

import (
	"encoding/binary"
	"image"
	"math"
)

// Normalization selects the per-pixel transform applied while packing a
// frame into a CHW float tensor. Channel order is RGB for every mode.
type Normalization int

const (
	// NormDetector is (p − 127.5) / 128, used by the face detector and
	// non-arcface recognizers.
	NormDetector Normalization = iota
	// NormArcFace is p / 127.5 − 1.
	NormArcFace
	// NormScale is p / 255, used by the YOLO-family detectors.
	NormScale
	// NormImageNet is (p/255 − mean_c) / std_c with the ImageNet statistics.
	NormImageNet
	// NormCentered is (p/255 − 0.5) / 0.5, used by the vehicle classifier.
	NormCentered
)

var imageNetMean = [3]float32{0.485, 0.456, 0.406}
var imageNetStd = [3]float32{0.229, 0.224, 0.225}

// ToTensorCHW packs an RGBA frame into a 3×H×W float32 buffer.
func ToTensorCHW(img *image.RGBA, norm Normalization) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 3*w*h)
	for c := 0; c < 3; c++ {
		plane := out[c*w*h : (c+1)*w*h]
		for y := 0; y < h; y++ {
			row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				p := float32(row[x*4+c])
				var v float32
				switch norm {
				case NormDetector:
					v = (p - 127.5) / 128
				case NormArcFace:
					v = p/127.5 - 1
				case NormScale:
					v = p / 255
				case NormImageNet:
					v = (p/255 - imageNetMean[c]) / imageNetStd[c]
				case NormCentered:
					v = (p/255 - 0.5) / 0.5
				}
				plane[y*w+x] = v
			}
		}
	}
	return out
}

// Float32ToBytes serializes a tensor as little-endian FP32, the layout the
// model server expects for raw input buffers.
func Float32ToBytes(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// BytesToFloat32 reinterprets little-endian FP32 bytes, truncating any
// trailing partial value.
func BytesToFloat32(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
