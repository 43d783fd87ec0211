// Package audio converts between the telephony wire format (mu-law companded
// 8-bit mono at 8kHz) and the linear 16-bit PCM the live AI endpoint speaks.
// All PCM is 16-bit signed little-endian, one channel.
package audio

import "math"

const (
	// TelephonyRate is the sample rate of the telephony media stream.
	TelephonyRate = 8000
	// AIInputRate is the sample rate the AI endpoint expects on its input.
	AIInputRate = 16000
	// AIOutputRate is the sample rate the AI endpoint produces on its output.
	AIOutputRate = 24000

	mulawMax = 0x1FFF
)

var logMulawMax = math.Log(1 + float64(mulawMax))

// Decode expands mu-law companded samples to linear 16-bit PCM.
// Malformed or empty input yields empty output.
func Decode(mulaw []byte) []byte {
	if len(mulaw) == 0 {
		return nil
	}
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		putSample(pcm[i*2:], decodeSample(b))
	}
	return pcm
}

// Encode compands linear 16-bit PCM samples to mu-law.
// A trailing odd byte is ignored; empty input yields empty output.
func Encode(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	mulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		mulaw[i] = encodeSample(sampleAt(pcm, i))
	}
	return mulaw
}

func decodeSample(b byte) int16 {
	var sign float64
	var mag float64
	if b >= 128 {
		sign = 1
		mag = float64(255 - b)
	} else {
		sign = -1
		mag = float64(127 - b)
	}
	mag /= 127.0
	f := sign * (math.Exp(mag*logMulawMax) - 1) / mulawMax
	return clampSample(f * 32768.0)
}

func encodeSample(s int16) byte {
	f := float64(s) / 32768.0
	sign := f < 0
	compressed := math.Log(1+mulawMax*math.Abs(f)) / logMulawMax
	m := byte(compressed * 127)
	if sign {
		return 127 - m
	}
	return 255 - m
}

// Resample converts linear16 PCM from one sample rate to another with a
// windowed-sinc low-pass filter, so downsampling does not alias. The output
// holds round(inputSamples * toRate / fromRate) samples.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 {
		return nil
	}
	in := toFloat(pcm)
	if len(in) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]byte, len(in)*2)
		copy(out, pcm[:len(in)*2])
		return out
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen == 0 {
		return nil
	}

	// When downsampling, scale the sinc so its cutoff sits at the target
	// Nyquist frequency; when upsampling the input band already fits.
	scale := math.Min(1, ratio)
	const tapsPerSide = 16
	width := float64(tapsPerSide) / scale

	out := make([]byte, outLen*2)
	for n := 0; n < outLen; n++ {
		center := float64(n) / ratio
		lo := int(math.Ceil(center - width))
		hi := int(math.Floor(center + width))
		if lo < 0 {
			lo = 0
		}
		if hi > len(in)-1 {
			hi = len(in) - 1
		}
		var acc float64
		for i := lo; i <= hi; i++ {
			d := center - float64(i)
			acc += in[i] * scale * sinc(scale*d) * hann(d/width)
		}
		putSample(out[n*2:], clampSample(acc*32768.0))
	}
	return out
}

// ToAIFormat converts one telephony frame (mu-law @ 8kHz) to linear16 at the
// AI endpoint's input rate.
func ToAIFormat(frame []byte) []byte {
	return Resample(Decode(frame), TelephonyRate, AIInputRate)
}

// FromAIFormat converts AI endpoint output (linear16 at AIOutputRate) to a
// telephony mu-law frame at 8kHz.
func FromAIFormat(pcm []byte) []byte {
	return Encode(Resample(pcm, AIOutputRate, TelephonyRate))
}

// DurationMs returns the duration of linear16 PCM at the given rate.
func DurationMs(pcm []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return (len(pcm) / 2) * 1000 / rate
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func hann(x float64) float64 {
	if x < -1 || x > 1 {
		return 0
	}
	return 0.5 + 0.5*math.Cos(math.Pi*x)
}

func toFloat(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(sampleAt(pcm, i)) / 32768.0
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(dst []byte, s int16) {
	dst[0] = byte(s)
	dst[1] = byte(uint16(s) >> 8)
}

func clampSample(f float64) int16 {
	if f > 32767 {
		return 32767
	}
	if f < -32768 {
		return -32768
	}
	return int16(f)
}
