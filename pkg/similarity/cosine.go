package similarity

import "math"

// Vector is a sparse vector with ascending Indices.
type Vector struct {
	Indices []int     `json:"i"`
	Values  []float64 `json:"v"`
}

// Len reports the number of non-zero entries.
func (v Vector) Len() int {
	return len(v.Indices)
}

// Norm is the euclidean length of v.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v.Values {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Dot is the inner product of two sparse vectors.
func Dot(u, v Vector) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(u.Indices) && j < len(v.Indices) {
		switch {
		case u.Indices[i] == v.Indices[j]:
			sum += u.Values[i] * v.Values[j]
			i++
			j++
		case u.Indices[i] < v.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// Cosine is the cosine similarity of u and v, clamped to [0,1]. Empty vectors score 0.
func Cosine(u, v Vector) float64 {
	if u.Len() == 0 || v.Len() == 0 {
		return 0
	}
	nu, nv := u.Norm(), v.Norm()
	if nu == 0 || nv == 0 {
		return 0
	}
	c := Dot(u, v) / (nu * nv)
	return math.Max(0, math.Min(1, c))
}
