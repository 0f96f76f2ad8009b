package audio

import "math"

const (
	// BandCount is the number of spectrum bands in a Level.
	BandCount = 16

	bandLowHz  = 200.0
	bandHighHz = 4000.0

	// rmsGain maps typical speech RMS into 0..1.
	rmsGain = 80.0
)

// Level is the visualization side channel: overall loudness plus a coarse spectrum
// over the voice range. All values are in 0..1.
type Level struct {
	RMS   float64
	Bands [BandCount]float64
}

// levelMeter computes Levels for frames at a fixed sample rate. The Goertzel
// coefficients are precomputed so Measure does not allocate.
type levelMeter struct {
	coeffs [BandCount]float64
}

func newLevelMeter(sampleRate int) *levelMeter {
	m := &levelMeter{}
	if sampleRate <= 0 {
		return m
	}
	for i := 0; i < BandCount; i++ {
		lo := bandLowHz * math.Pow(bandHighHz/bandLowHz, float64(i)/BandCount)
		hi := bandLowHz * math.Pow(bandHighHz/bandLowHz, float64(i+1)/BandCount)
		centre := math.Sqrt(lo * hi)
		m.coeffs[i] = 2 * math.Cos(2*math.Pi*centre/float64(sampleRate))
	}
	return m
}

// Measure returns the level of one frame.
func (m *levelMeter) Measure(frame []float32) Level {
	var lvl Level
	if len(frame) == 0 {
		return lvl
	}

	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	lvl.RMS = math.Min(1, rms*rmsGain)

	var peak float64
	var mags [BandCount]float64
	for i, c := range m.coeffs {
		var s1, s2 float64
		for _, x := range frame {
			s0 := float64(x) + c*s1 - s2
			s2 = s1
			s1 = s0
		}
		power := s1*s1 + s2*s2 - c*s1*s2
		if power < 0 {
			power = 0
		}
		mags[i] = math.Sqrt(power)
		if mags[i] > peak {
			peak = mags[i]
		}
	}
	if peak == 0 {
		return lvl
	}
	// Band shape relative to the loudest band, scaled by loudness.
	for i, mag := range mags {
		lvl.Bands[i] = math.Min(1, mag/peak*lvl.RMS*3)
	}
	return lvl
}
