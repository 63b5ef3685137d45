package tensor

import "github.com/x448/float16"

// roundHalf rounds every value through IEEE 754 binary16. Magnitudes beyond
// the half range become infinite.
func roundHalf(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

func halfCopy(data []float32) []float32 {
	out := make([]float32, len(data))
	copy(out, data)
	roundHalf(out)
	return out
}
