// Package audio wraps Opus decoding for the WebRTC subscriber: one
// decoder per publisher track, fed RTP payloads and producing raw PCM
// the transcription pipeline can buffer.
package audio

import (
	"gopkg.in/hraban/opus.v2"

	"example.com/livetranscription/internal/audiodsp"
)

// maxFrameSamples covers the largest Opus frame (60ms) at 48kHz per
// channel; decoders for a different rate still fit within it.
const maxFrameSamples = 2880

// OpusDecoder decodes one publisher's Opus RTP payloads into PCM.
type OpusDecoder struct {
	decoder    *opus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder builds a decoder for the given rate and channel count.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &OpusDecoder{decoder: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes one Opus packet into interleaved int16 PCM samples.
func (d *OpusDecoder) Decode(opusData []byte) ([]int16, error) {
	pcm := make([]int16, maxFrameSamples*d.channels)
	n, err := d.decoder.Decode(opusData, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n*d.channels], nil
}

// DecodeToBytes decodes one Opus packet straight to little-endian PCM
// bytes, the form the transcription pipeline buffers.
func (d *OpusDecoder) DecodeToBytes(opusData []byte) ([]byte, error) {
	pcm, err := d.Decode(opusData)
	if err != nil {
		return nil, err
	}
	return audiodsp.Int16ToBytesLE(pcm), nil
}

// SampleRate reports the decoder's configured sample rate.
func (d *OpusDecoder) SampleRate() int {
	return d.sampleRate
}

// Channels reports the decoder's configured channel count.
func (d *OpusDecoder) Channels() int {
	return d.channels
}
