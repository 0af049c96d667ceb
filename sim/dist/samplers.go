package dist

import (
	"math"
	"math/rand"
)

// sampleNormal: N(mu, sigma).
func sampleNormal(rng *rand.Rand, p []float64) float64 {
	return p[0] + p[1]*rng.NormFloat64()
}

// sampleUniform: U[low, high).
func sampleUniform(rng *rand.Rand, p []float64) float64 {
	return p[0] + (p[1]-p[0])*rng.Float64()
}

// sampleLogNormal: exp(mu + sigma*Z).
func sampleLogNormal(rng *rand.Rand, p []float64) float64 {
	return math.Exp(p[0] + p[1]*rng.NormFloat64())
}

// sampleExponential takes the rate lambda; the mean is 1/lambda.
func sampleExponential(rng *rand.Rand, p []float64) float64 {
	return rng.ExpFloat64() / p[0]
}

// sampleTriangular uses the inverse CDF.
func sampleTriangular(rng *rand.Rand, p []float64) float64 {
	low, mode, high := p[0], p[1], p[2]
	if high == low {
		return low
	}
	u := rng.Float64()
	span := high - low
	if u < (mode-low)/span {
		return low + math.Sqrt(u*span*(mode-low))
	}
	return high - math.Sqrt((1-u)*span*(high-mode))
}

// poissonPTRSThreshold is the rate above which the rejection method replaces
// Knuth's multiplication method, whose cost grows linearly with lambda.
const poissonPTRSThreshold = 10.0

// samplePoisson returns an integer-valued draw as float64.
func samplePoisson(rng *rand.Rand, p []float64) float64 {
	lambda := p[0]
	if lambda < poissonPTRSThreshold {
		return poissonKnuth(rng, lambda)
	}
	return poissonPTRS(rng, lambda)
}

func poissonKnuth(rng *rand.Rand, lambda float64) float64 {
	limit := math.Exp(-lambda)
	k := 0.0
	prod := rng.Float64()
	for prod > limit {
		k++
		prod *= rng.Float64()
	}
	return k
}

// poissonPTRS is Hörmann's transformed rejection with squeeze.
func poissonPTRS(rng *rand.Rand, lambda float64) float64 {
	slam := math.Sqrt(lambda)
	loglam := math.Log(lambda)
	b := 0.931 + 2.53*slam
	a := -0.059 + 0.02483*b
	invAlpha := 1.1239 + 1.1328/(b-3.4)
	vr := 0.9277 - 3.6224/(b-2)

	for {
		u := rng.Float64() - 0.5
		v := rng.Float64()
		us := 0.5 - math.Abs(u)
		k := math.Floor((2*a/us+b)*u + lambda + 0.43)
		if us >= 0.07 && v <= vr {
			return k
		}
		if k < 0 || (us < 0.013 && v > us) {
			continue
		}
		lg, _ := math.Lgamma(k + 1)
		if math.Log(v)+math.Log(invAlpha)-math.Log(a/(us*us)+b) <= -lambda+k*loglam-lg {
			return k
		}
	}
}
