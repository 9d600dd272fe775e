package budget

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultCharsPerToken is deliberately low so estimates run high.
const DefaultCharsPerToken = 3.5

// Estimator approximates the token cost of text. Implementations should
// over-estimate rather than under-estimate.
type Estimator interface {
	Estimate(text string) int
}

// RatioEstimator divides the character count by a fixed ratio.
type RatioEstimator struct {
	CharsPerToken float64
}

// Estimate returns ceil(chars / ratio).
func (r RatioEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	ratio := r.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
}

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// TiktokenEstimator counts cl100k_base tokens and never reports fewer than
// the ratio estimate. It degrades to the ratio when the encoder cannot load.
type TiktokenEstimator struct {
	Ratio RatioEstimator
}

// Estimate returns max(tiktoken count, ratio estimate).
func (t TiktokenEstimator) Estimate(text string) int {
	ratio := t.Ratio.Estimate(text)
	if text == "" {
		return 0
	}
	if err := initTokenEncoder(); err != nil {
		return ratio
	}
	n := len(tokenEncoder.Encode(text, nil, nil))
	if n > ratio {
		return n
	}
	return ratio
}

// NewEstimator returns the estimator named by kind ("ratio" or "tiktoken").
func NewEstimator(kind string, charsPerToken float64) Estimator {
	ratio := RatioEstimator{CharsPerToken: charsPerToken}
	if strings.EqualFold(strings.TrimSpace(kind), "tiktoken") {
		return TiktokenEstimator{Ratio: ratio}
	}
	return ratio
}
