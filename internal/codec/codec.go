// Package codec converts call audio between the telephony leg
// (8 kHz G.711 mu-law) and the cloud leg (24 kHz PCM16 little-endian).
package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/zaf/g711"
)

const (
	TelephonyRate = 8000
	CloudRate     = 24000
	Ratio         = CloudRate / TelephonyRate

	// TelephonyFrameBytes is one 20ms mu-law frame.
	TelephonyFrameBytes = 160
)

// Codec is the per-call transcoder. Decoder and Encoder keep separate state.
type Codec struct {
	dec *Decoder
	enc *Encoder
}

func New() *Codec {
	return &Codec{dec: &Decoder{}, enc: &Encoder{}}
}

// DecodeFromTelephony expands mu-law to PCM16 and upsamples 8 kHz -> 24 kHz.
func (c *Codec) DecodeFromTelephony(ulaw []byte) ([]byte, error) {
	return c.dec.Decode(ulaw)
}

// EncodeToTelephony downsamples 24 kHz -> 8 kHz and compresses PCM16 to mu-law.
func (c *Codec) EncodeToTelephony(pcm []byte) ([]byte, error) {
	return c.enc.Encode(pcm)
}

// Decoder upsamples by linear interpolation from the last sample of the previous chunk.
type Decoder struct {
	prev   int16
	primed bool
}

func (d *Decoder) Decode(ulaw []byte) ([]byte, error) {
	if len(ulaw) == 0 {
		return []byte{}, nil
	}
	samples := bytesToSamples(g711.DecodeUlaw(ulaw))
	if len(samples) != len(ulaw) {
		return nil, fmt.Errorf("%w: expanded %d bytes into %d samples", domain.ErrTranscode, len(ulaw), len(samples))
	}
	if !d.primed {
		d.prev = samples[0]
		d.primed = true
	}

	out := make([]int16, 0, len(samples)*Ratio)
	prev := int32(d.prev)
	for _, s := range samples {
		cur := int32(s)
		for k := int32(1); k <= Ratio; k++ {
			out = append(out, int16(prev+(cur-prev)*k/Ratio))
		}
		prev = cur
	}
	d.prev = samples[len(samples)-1]
	return samplesToBytes(out), nil
}

// Encoder averages groups of Ratio samples. Samples that do not fill a group
// are kept for the next call.
type Encoder struct {
	carry []int16
}

func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 length %d", domain.ErrTranscode, len(pcm))
	}
	samples := append(e.carry, bytesToSamples(pcm)...)
	n := len(samples) / Ratio

	down := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for k := 0; k < Ratio; k++ {
			sum += int32(samples[i*Ratio+k])
		}
		down[i] = int16(sum / Ratio)
	}
	e.carry = append([]int16(nil), samples[n*Ratio:]...)

	if n == 0 {
		return []byte{}, nil
	}
	return g711.EncodeUlaw(samplesToBytes(down)), nil
}

// EncodeBase64 is the wire form of audio payloads.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 payload: %v", domain.ErrTranscode, err)
	}
	return b, nil
}

func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
