package factor

// Diagonal is a diagonal Gaussian noise model, given as per-axis standard
// deviations. For pose-valued measurements the layout follows the tangent
// ordering [tx ty tz rx ry rz].
type Diagonal []float64

// Sigmas builds a diagonal noise model from the given standard deviations.
func Sigmas(sigmas ...float64) Diagonal {
	return Diagonal(sigmas)
}

// Isotropic builds a diagonal noise model with the same standard deviation on
// every axis.
func Isotropic(dim int, sigma float64) Diagonal {
	d := make(Diagonal, dim)
	for i := range d {
		d[i] = sigma
	}
	return d
}

// Whiten scales a raw residual by the inverse standard deviations, in place,
// and returns it. Residual and model dimensions must agree; a zero sigma on
// an axis leaves that axis unscaled rather than dividing by zero.
func (d Diagonal) Whiten(residual []float64) []float64 {
	for i := range residual {
		if d[i] != 0 {
			residual[i] /= d[i]
		}
	}
	return residual
}
