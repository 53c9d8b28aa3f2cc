package detector

import (
	"math"

	"github.com/Brownie44l1/deepfake-api/internal/inference"
)

// Verdict is the outcome of classifying one image.
type Verdict struct {
	IsFake          bool    `json:"is_fake"`
	FakeProbability float64 `json:"fake_probability"`
	RealProbability float64 `json:"real_probability"`
	Confidence      float64 `json:"confidence"`
}

// NewVerdict derives a verdict from a probability pair. A tie is not fake.
func NewVerdict(p inference.Probabilities) Verdict {
	return Verdict{
		IsFake:          p.Fake > p.Real,
		FakeProbability: p.Fake,
		RealProbability: p.Real,
		Confidence:      math.Max(p.Real, p.Fake),
	}
}
