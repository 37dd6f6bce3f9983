// Package audiodsp implements the pure sample-format conversions the
// transcription pipeline needs between a WebRTC audio track and the STT
// wire format: stereo reduction, rate conversion, and int16/float32
// normalization.
package audiodsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"example.com/livetranscription/internal/errs"
)

// WebRTC audio arrives as 48kHz stereo int16. The STT service expects
// 24kHz mono float32. These are the two presets in play throughout the
// bridge.
const (
	WebRTCSampleRate = 48000
	WebRTCChannels   = 2

	KyutaiSampleRate = 24000
	KyutaiChannels   = 1
)

// StereoToMono averages interleaved left/right int16 samples into a
// single mono channel. buf must have an even length.
func StereoToMono(buf []int16) ([]int16, error) {
	if len(buf)%2 != 0 {
		return nil, errs.ErrInvalidShape
	}
	out := make([]int16, len(buf)/2)
	for i := range out {
		l := int32(buf[2*i])
		r := int32(buf[2*i+1])
		out[i] = int16((l + r) / 2)
	}
	return out, nil
}

// Resample converts buf from srcRate to dstRate using an FFT-based
// band-limited interpolation, matching scipy.signal.resample. Output
// length is round(len(buf) * dstRate / srcRate). Values are clamped
// back to the int16 range.
func Resample(buf []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, errs.ErrInvalidRate
	}
	if srcRate == dstRate || len(buf) == 0 {
		out := make([]int16, len(buf))
		copy(out, buf)
		return out, nil
	}

	f := make([]float64, len(buf))
	for i, s := range buf {
		f[i] = float64(s)
	}
	resampled, err := resampleFloat64(f, srcRate, dstRate)
	if err != nil {
		return nil, err
	}

	out := make([]int16, len(resampled))
	for i, v := range resampled {
		out[i] = clampInt16(v)
	}
	return out, nil
}

// ResampleFloat32 is the float32 analogue of Resample, used on the
// normalized samples sent to the STT service.
func ResampleFloat32(buf []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, errs.ErrInvalidRate
	}
	if srcRate == dstRate || len(buf) == 0 {
		out := make([]float32, len(buf))
		copy(out, buf)
		return out, nil
	}

	f := make([]float64, len(buf))
	for i, s := range buf {
		f[i] = float64(s)
	}
	resampled, err := resampleFloat64(f, srcRate, dstRate)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(resampled))
	for i, v := range resampled {
		out[i] = float32(v)
	}
	return out, nil
}

// resampleFloat64 performs the shared FFT round-trip: forward real FFT,
// zero-pad or truncate the spectrum to the target length, inverse FFT,
// then divide by the input length (gonum's inverse transform is not
// normalized, so this yields scipy's ifft(...) * m/n).
func resampleFloat64(in []float64, srcRate, dstRate int) ([]float64, error) {
	n := len(in)
	outLen := int(math.Round(float64(n) * float64(dstRate) / float64(srcRate)))
	if outLen <= 0 {
		return []float64{}, nil
	}

	fft := fourier.NewFFT(n)
	spectrum := fft.Coefficients(nil, in)

	m := outLen
	fftOut := fourier.NewFFT(m)
	outSpectrum := make([]complex128, m/2+1)

	copyLen := len(spectrum)
	if len(outSpectrum) < copyLen {
		copyLen = len(outSpectrum)
	}
	copy(outSpectrum[:copyLen], spectrum[:copyLen])

	// For an even output length, the Nyquist bin must stay real-valued to
	// avoid injecting an imaginary component into the inverse transform.
	if m%2 == 0 && len(outSpectrum) > 0 {
		last := len(outSpectrum) - 1
		outSpectrum[last] = complex(real(outSpectrum[last]), 0)
	}

	result := fftOut.Sequence(nil, outSpectrum)

	scale := 1 / float64(n)
	for i := range result {
		result[i] *= scale
	}
	return result, nil
}

// Int16ToFloat32 normalizes PCM samples to the [-1, 1] range expected by
// the STT wire format.
func Int16ToFloat32(buf []int16) []float32 {
	out := make([]float32, len(buf))
	for i, s := range buf {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 denormalizes, clamping out-of-range values.
func Float32ToInt16(buf []float32) []int16 {
	out := make([]int16, len(buf))
	for i, s := range buf {
		out[i] = clampInt16(float64(s) * 32768.0)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// PackWebRTCFrame runs the full conversion a raw WebRTC PCM frame needs
// before it can be appended to an STT audio chunk: byte-to-int16,
// optional stereo reduction, rate conversion, then float32 normalization
// back to little-endian bytes.
func PackWebRTCFrame(pcm []byte, srcRate, dstRate int, isStereo bool) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errs.ErrInvalidShape
	}
	samples := bytesToInt16LE(pcm)

	if isStereo {
		var err error
		samples, err = StereoToMono(samples)
		if err != nil {
			return nil, err
		}
	}

	if srcRate != dstRate {
		var err error
		samples, err = Resample(samples, srcRate, dstRate)
		if err != nil {
			return nil, err
		}
	}

	floats := Int16ToFloat32(samples)
	return float32ToBytesLE(floats), nil
}

func bytesToInt16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// Int16ToBytesLE is the inverse of the byte-to-int16 step PackWebRTCFrame
// runs internally; exported for the WebRTC subscriber, which hands
// decoded Opus PCM to the pipeline as raw little-endian bytes.
func Int16ToBytesLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

func float32ToBytesLE(f []float32) []byte {
	out := make([]byte, len(f)*4)
	for i, v := range f {
		bits := math.Float32bits(v)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}
