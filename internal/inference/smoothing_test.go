package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunsFromThresholdedConfidences(t *testing.T) {
	confidences := []float64{0, 0, 1, 1, 1, 0, 0, 1, 0}
	runs := Runs(Binarize(confidences, 0.5))
	assert.Equal(t, []Run{{Start: 2, End: 5}, {Start: 7, End: 8}}, runs)
}

func TestRuns(t *testing.T) {
	tests := []struct {
		name string
		mask []bool
		want []Run
	}{
		{"empty", nil, nil},
		{"all false", []bool{false, false}, nil},
		{"all true", []bool{true, true, true}, []Run{{0, 3}}},
		{"single", []bool{false, true, false}, []Run{{1, 2}}},
		{"trailing run closes at end", []bool{false, true, true}, []Run{{1, 3}}},
		{"leading run", []bool{true, false, true}, []Run{{0, 1}, {2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Runs(tt.mask))
		})
	}
}

func TestBinarizeThresholdIsInclusive(t *testing.T) {
	mask := Binarize([]float64{0.49, 0.5, 0.51}, 0.5)
	assert.Equal(t, []bool{false, true, true}, mask)
}

func TestSmoothIdentityBelowWindowTwo(t *testing.T) {
	in := []float64{0, 1, 0}
	assert.Equal(t, in, Smooth(in, 1))
	assert.Equal(t, in, Smooth(in, 0))
}

func TestSmoothCenteredAverageWithEdgePadding(t *testing.T) {
	out := Smooth([]float64{1, 1, 1}, 3)
	assert.InDelta(t, (0.5+1+1)/3.0, out[0], 1e-9)
	assert.InDelta(t, 1.0, out[1], 1e-9)
	assert.InDelta(t, (1+1+0.5)/3.0, out[2], 1e-9)
}

func TestSmoothEvenWindowForcedOdd(t *testing.T) {
	// Window 2 behaves like window 3.
	in := []float64{0, 1, 0, 1}
	assert.Equal(t, Smooth(in, 3), Smooth(in, 2))
}

func TestSmoothDampensSingleFrameSpike(t *testing.T) {
	out := Smooth([]float64{0, 0, 1, 0, 0}, 5)
	for _, v := range out {
		assert.Less(t, v, 0.5)
	}
}

func TestSmoothingWindow(t *testing.T) {
	assert.Equal(t, 1, smoothingWindow(0, 30))
	assert.Equal(t, 1, smoothingWindow(1, 0))
	assert.Equal(t, 31, smoothingWindow(1, 30))
	assert.Equal(t, 15, smoothingWindow(0.5, 30))
}
