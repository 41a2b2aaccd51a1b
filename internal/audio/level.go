package audio

import "math"

// CalculateRMS calculates the root mean square of the frame across all channels.
// Useful for input level metering and silence detection.
func CalculateRMS(frame Frame) float64 {
	channels := frame.Channels()
	count := 0
	sum := 0.0
	for _, samples := range channels {
		for _, v := range samples {
			sum += v * v
			count++
		}
	}
	if count == 0 {
		return 0.0
	}
	return math.Sqrt(sum / float64(count))
}

// LevelDBFS converts an RMS value in [0, 1] to decibels relative to full scale
func LevelDBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
