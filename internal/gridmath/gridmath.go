package gridmath

import (
	"fmt"
	"math"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// Levels computes the ladder of price levels between lower and upper inclusive.
// Arithmetic mode interpolates linearly; geometric mode applies a constant ratio
// between consecutive levels. count is the number of levels, at least 2.
func Levels(lower, upper float64, count int, gridType models.GridType) ([]float64, error) {
	if count < 2 {
		return nil, fmt.Errorf("%w: grid count %d is below 2", models.ErrInvalidConfig, count)
	}
	if lower >= upper {
		return nil, fmt.Errorf("%w: lower %v is not below upper %v", models.ErrInvalidConfig, lower, upper)
	}

	levels := make([]float64, count)

	switch gridType {
	case models.Geometric:
		if lower <= 0 {
			return nil, fmt.Errorf("%w: geometric grid requires positive bounds", models.ErrInvalidConfig)
		}
		ratio := Ratio(lower, upper, count)
		for i := 0; i < count; i++ {
			levels[i] = lower * math.Pow(ratio, float64(i))
		}
	default:
		step := Step(lower, upper, count)
		for i := 0; i < count; i++ {
			levels[i] = lower + step*float64(i)
		}
	}

	// Pin the bounds exactly; Pow accumulates rounding at the top level.
	levels[0] = lower
	levels[count-1] = upper
	return levels, nil
}

// Step is the constant spacing of an arithmetic ladder with count levels
// inclusive of both bounds.
func Step(lower, upper float64, count int) float64 {
	return (upper - lower) / float64(count-1)
}

// Ratio is the constant multiplier of a geometric ladder with count levels
// inclusive of both bounds.
func Ratio(lower, upper float64, count int) float64 {
	return math.Pow(upper/lower, 1/float64(count-1))
}

// IndexOf snaps a price onto its nearest ladder index, round half up. Fills come
// back from the venue with small price drift; tolerating it here means callers
// never compare raw floats for equality.
func IndexOf(price, lower, upper float64, count int, gridType models.GridType) int {
	switch gridType {
	case models.Geometric:
		ratio := Ratio(lower, upper, count)
		return int(math.Floor(math.Log(price/lower)/math.Log(ratio) + 0.5))
	default:
		step := Step(lower, upper, count)
		return int(math.Floor((price-lower)/step + 0.5))
	}
}

// PriceAt returns the ladder price at index i. Indices outside [0, count-1]
// extrapolate; callers band-check the result against the configured window.
func PriceAt(lower, upper float64, count int, gridType models.GridType, i int) float64 {
	switch gridType {
	case models.Geometric:
		return lower * math.Pow(Ratio(lower, upper, count), float64(i))
	default:
		return lower + Step(lower, upper, count)*float64(i)
	}
}
