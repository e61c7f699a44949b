// smoothing.go: confidence post-processing. Raw per-frame confidences are
// noisy around scene transitions, so they are smoothed with a centered
// moving average before thresholding into frame intervals.
package inference

// Run is a half-open frame interval [Start, End).
type Run struct {
	Start int
	End   int
}

// Smooth applies a centered moving average of the given window size. The
// window is forced odd so the average stays centered; positions past either
// edge contribute the neutral value 0.5. Window sizes below 2 return the
// input unchanged.
func Smooth(confidences []float64, window int) []float64 {
	if window < 2 || len(confidences) == 0 {
		return confidences
	}
	if window%2 == 0 {
		window++
	}
	half := window / 2

	out := make([]float64, len(confidences))
	for i := range confidences {
		sum := 0.0
		for j := i - half; j <= i+half; j++ {
			if j < 0 || j >= len(confidences) {
				sum += 0.5
				continue
			}
			sum += confidences[j]
		}
		out[i] = sum / float64(window)
	}
	return out
}

// Binarize thresholds confidences into a boolean mask. A frame is positive
// when its confidence reaches the threshold.
func Binarize(confidences []float64, threshold float64) []bool {
	mask := make([]bool, len(confidences))
	for i, c := range confidences {
		mask[i] = c >= threshold
	}
	return mask
}

// Runs collapses a boolean mask into its maximal contiguous true intervals,
// each half-open on the frame axis.
func Runs(mask []bool) []Run {
	var runs []Run
	start := -1
	for i, v := range mask {
		switch {
		case v && start < 0:
			start = i
		case !v && start >= 0:
			runs = append(runs, Run{Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, Run{Start: start, End: len(mask)})
	}
	return runs
}
