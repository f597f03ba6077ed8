// Package codec picks the audio transport tier of a session and validates inbound frames
// against it.
package codec

import (
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const (
	capabilityAudioProfile = "audio_profile"

	reasonUnsupported      = "codec_unsupported"
	reasonTerminalFallback = "terminal_fallback"
)

// Negotiate returns the profile a session will use. supported is the gateway's list, best
// first. An exact codec match is granted as declared by the gateway. Otherwise the best
// supported profile at or below the requested tier is chosen, ending at the minimum-viable
// profile, and exactly one degradation entry is returned. Negotiate never fails and has no
// side effects.
func Negotiate(requested types.AudioProfile, supported []types.AudioProfile) (types.AudioProfile, []types.DegradedCapability) {
	for _, p := range supported {
		if p.Codec == requested.Codec && p.Tier() != types.TierUnknown {
			return normalize(p), nil
		}
	}

	minimum := types.MinimumViableProfile()
	if requested.Codec == minimum.Codec {
		return minimum, nil
	}

	ceiling := requested.Tier()
	if ceiling == types.TierUnknown {
		ceiling = types.TierFull
	}

	granted := minimum
	reason := reasonTerminalFallback
	bestTier := types.TierUnknown
	for _, p := range supported {
		tier := p.Tier()
		if tier == types.TierUnknown || tier > ceiling || tier <= bestTier {
			continue
		}
		granted = normalize(p)
		bestTier = tier
		reason = reasonUnsupported
	}

	return granted, []types.DegradedCapability{{
		Capability: capabilityAudioProfile,
		Requested:  string(requested.Codec),
		Granted:    string(granted.Codec),
		Reason:     reason,
	}}
}

// normalize fills zero fields from the codec's canonical profile.
func normalize(p types.AudioProfile) types.AudioProfile {
	canon, ok := types.ProfileFor(p.Codec)
	if !ok {
		return p
	}
	if p.SampleRateHz <= 0 {
		p.SampleRateHz = canon.SampleRateHz
	}
	if p.Channels <= 0 {
		p.Channels = canon.Channels
	}
	if p.BitrateKbps <= 0 {
		p.BitrateKbps = canon.BitrateKbps
	}
	return p
}

// ParseSupported turns an ordered list of codec names into canonical profiles, skipping
// unknown names.
func ParseSupported(names []string) []types.AudioProfile {
	out := make([]types.AudioProfile, 0, len(names))
	seen := make(map[types.Codec]struct{}, len(names))
	for _, n := range names {
		p, ok := types.ProfileFor(types.Codec(n))
		if !ok {
			continue
		}
		if _, dup := seen[p.Codec]; dup {
			continue
		}
		seen[p.Codec] = struct{}{}
		out = append(out, p)
	}
	return out
}
