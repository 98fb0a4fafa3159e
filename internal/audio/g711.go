package audio

// G.711 mu-law companding, used for the PCMU audio leg. The tables and
// constants follow ITU-T G.711.

const (
	muLawBias = 0x84
	muLawMax  = 0x7FFF
)

// MuLawEncode compands 16-bit PCM samples to 8-bit mu-law bytes.
func MuLawEncode(frame []int16) []byte {
	out := make([]byte, len(frame))
	for i, s := range frame {
		out[i] = muLawEncodeSample(s)
	}
	return out
}

// MuLawDecode expands mu-law bytes back to 16-bit PCM samples.
func MuLawDecode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = muLawDecodeSample(b)
	}
	return out
}

func muLawEncodeSample(s int16) byte {
	sign := byte(0)
	v := int(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawMax {
		v = muLawMax
	}
	v += muLawBias

	exponent := 7
	for mask := 0x4000; (v&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

func muLawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	v := ((int(mantissa) << 3) + muLawBias) << exponent
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}
