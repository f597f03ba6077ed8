package types

import "fmt"

// Codec names an audio transport encoding.
type Codec string

const (
	CodecAMRNB8K  Codec = "AMR_NB_8K"
	CodecOpus16K  Codec = "OPUS_16K"
	CodecPCM16K16 Codec = "PCM_16K_16"
)

// Tier orders codecs by fidelity and bandwidth. Zero means unknown.
type Tier int

const (
	TierUnknown Tier = iota
	TierMinimum
	TierReduced
	TierFull
)

func (t Tier) String() string {
	switch t {
	case TierMinimum:
		return "minimum"
	case TierReduced:
		return "reduced"
	case TierFull:
		return "full"
	default:
		return "unknown"
	}
}

// Tier reports the fidelity tier of a known codec.
func (c Codec) Tier() Tier {
	switch c {
	case CodecAMRNB8K:
		return TierMinimum
	case CodecOpus16K:
		return TierReduced
	case CodecPCM16K16:
		return TierFull
	default:
		return TierUnknown
	}
}

// AudioProfile is a negotiated (or requested) audio transport configuration.
type AudioProfile struct {
	Codec        Codec `json:"codec" yaml:"codec"`
	SampleRateHz int   `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	Channels     int   `json:"channels" yaml:"channels"`
	BitrateKbps  int   `json:"bitrate_kbps" yaml:"bitrate_kbps"`
}

func (p AudioProfile) Tier() Tier { return p.Codec.Tier() }

func (p AudioProfile) String() string {
	return fmt.Sprintf("%s/%dHz/%dch/%dkbps", p.Codec, p.SampleRateHz, p.Channels, p.BitrateKbps)
}

// BytesPerSecond returns the nominal payload rate of the profile.
func (p AudioProfile) BytesPerSecond() int {
	if p.Codec == CodecPCM16K16 {
		ch := p.Channels
		if ch <= 0 {
			ch = 1
		}
		return p.SampleRateHz * 2 * ch
	}
	return p.BitrateKbps * 1000 / 8
}

// ProfileFor returns the canonical profile of a known codec.
func ProfileFor(c Codec) (AudioProfile, bool) {
	switch c {
	case CodecAMRNB8K:
		return AudioProfile{Codec: CodecAMRNB8K, SampleRateHz: 8000, Channels: 1, BitrateKbps: 12}, true
	case CodecOpus16K:
		return AudioProfile{Codec: CodecOpus16K, SampleRateHz: 16000, Channels: 1, BitrateKbps: 32}, true
	case CodecPCM16K16:
		return AudioProfile{Codec: CodecPCM16K16, SampleRateHz: 16000, Channels: 1, BitrateKbps: 256}, true
	default:
		return AudioProfile{}, false
	}
}

// MinimumViableProfile is the terminal fallback of every negotiation.
func MinimumViableProfile() AudioProfile {
	p, _ := ProfileFor(CodecAMRNB8K)
	return p
}
