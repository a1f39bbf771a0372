package tools

import "time"

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// PCMDuration is the inverse of FrameSamples for 16-bit samples: how much
// audio a payload of n bytes carries.
func PCMDuration(n, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(float64(samples) / float64(rate*channels) * float64(time.Second))
}
