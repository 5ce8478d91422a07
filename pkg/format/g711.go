package format

// G.711 (ITU-T G.711) сегментное сжатие 16-битного PCM в 8 бит

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLaw кодек G.711 μ-law (PCMU)
type MuLaw struct{}

func (MuLaw) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = linearToMuLaw(s)
	}
	return out, nil
}

func (MuLaw) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muLawToLinear(b)
	}
	return out, nil
}

// ALaw кодек G.711 A-law (PCMA)
type ALaw struct{}

func (ALaw) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = linearToALaw(s)
	}
	return out, nil
}

func (ALaw) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = aLawToLinear(b)
	}
	return out, nil
}

func linearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func muLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)

	s := ((mantissa << 3) + muLawBias) << exponent
	s -= muLawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

func linearToALaw(sample int16) byte {
	s := int(sample)
	sign := 0x80
	if s < 0 {
		s = -s - 1
		sign = 0
	}
	if s > 32767 {
		s = 32767
	}

	var out int
	if s < 256 {
		out = s >> 4
	} else {
		exponent := 7
		for mask := 0x4000; s&mask == 0 && exponent > 1; mask >>= 1 {
			exponent--
		}
		mantissa := (s >> (exponent + 3)) & 0x0F
		out = exponent<<4 | mantissa
	}
	return byte(out|sign) ^ 0x55
}

func aLawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)

	var s int
	if exponent == 0 {
		s = mantissa<<4 + 8
	} else {
		s = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if sign == 0 {
		return int16(-s)
	}
	return int16(s)
}
