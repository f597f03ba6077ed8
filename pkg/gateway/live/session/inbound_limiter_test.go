package session

import (
	"testing"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

func TestInboundLimiter_AllowsWithinBurstThenDenies(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, types.AudioProfile{}, 1, 0, 2) // 2 frame burst
	if !lim.Allow(10) {
		t.Fatalf("expected allow 1")
	}
	if !lim.Allow(10) {
		t.Fatalf("expected allow 2")
	}
	if lim.Allow(10) {
		t.Fatalf("expected deny 3")
	}
}

func TestInboundLimiter_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, types.AudioProfile{}, 10, 0, 2) // 20 frame burst
	for i := 0; i < 20; i++ {
		if !lim.Allow(1) {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny once tokens exhausted")
	}

	now = now.Add(100 * time.Millisecond) // one frame token
	if !lim.Allow(1) {
		t.Fatalf("expected allow after refill")
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny again without enough time")
	}
}

func TestInboundLimiter_BytesDefaultFromProfile(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	// AMR-NB at 12 kbps is 1500 B/s nominal, so the default allowance is 3000 B/s.
	lim := newInboundAudioLimiter(clock, types.MinimumViableProfile(), 0, 0, 1)
	if !lim.Allow(2900) {
		t.Fatalf("expected allow within byte budget")
	}
	if lim.Allow(200) {
		t.Fatalf("expected deny past byte budget")
	}
	now = now.Add(time.Second)
	if !lim.Allow(200) {
		t.Fatalf("expected allow after a second of refill")
	}
}

func TestInboundLimiter_TransitionWarnsOncePerEpisode(t *testing.T) {
	now := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	lim := newInboundAudioLimiter(func() time.Time { return now }, types.AudioProfile{}, 1, 0, 1)

	if lim.Transition(lim.Allow(1)) {
		t.Fatalf("first frame should not start an episode")
	}
	if !lim.Transition(lim.Allow(1)) {
		t.Fatalf("first rejection should start an episode")
	}
	if lim.Transition(lim.Allow(1)) {
		t.Fatalf("repeated rejection should not warn again")
	}
	now = now.Add(time.Second)
	if lim.Transition(lim.Allow(1)) {
		t.Fatalf("allowed frame should end the episode quietly")
	}
	if !lim.Transition(lim.Allow(1)) {
		t.Fatalf("new rejection should start a new episode")
	}
}
