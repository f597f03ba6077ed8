package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// FrameDuration is the playback length of one synthesis chunk.
const FrameDuration = 40 * time.Millisecond

// FrameBytes returns the chunk size carrying FrameDuration of audio in profile p.
func FrameBytes(p types.AudioProfile) int {
	n := p.BytesPerSecond() * int(FrameDuration/time.Millisecond) / 1000
	if p.Codec == types.CodecPCM16K16 && n%2 != 0 {
		n++
	}
	if n <= 0 {
		n = 1280
	}
	return n
}

// Split cuts audio into chunks of at most size bytes.
func Split(audio []byte, size int) [][]byte {
	if size <= 0 {
		size = len(audio)
	}
	out := make([][]byte, 0, len(audio)/max(size, 1)+1)
	for len(audio) > 0 {
		n := min(size, len(audio))
		out = append(out, audio[:n])
		audio = audio[n:]
	}
	return out
}

// WrapPCM prefixes 16-bit little-endian PCM with a RIFF/WAVE header.
func WrapPCM(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

// StripWAV returns the payload of the data chunk of a RIFF/WAVE file. Input that is not a
// WAV file is returned unchanged with ok=false.
func StripWAV(b []byte) (payload []byte, ok bool) {
	if len(b) < 12 || string(b[:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return b, false
	}
	rest := b[12:]
	for len(rest) >= 8 {
		id := string(rest[:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		rest = rest[8:]
		if id == "data" {
			if size > len(rest) {
				size = len(rest)
			}
			return rest[:size], true
		}
		if size+size%2 > len(rest) {
			break
		}
		rest = rest[size+size%2:]
	}
	return b, false
}

// ChunkStream is a TTS stream over audio that is already fully synthesized. Chunks are
// released one at a time so cancellation stops delivery between frames.
type ChunkStream struct {
	ch     chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewChunkStream starts delivering chunks until they run out or ctx is done.
func NewChunkStream(ctx context.Context, chunks [][]byte) *ChunkStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &ChunkStream{
		ch:     make(chan []byte),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.ch)
		for _, c := range chunks {
			select {
			case s.ch <- c:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
	}()
	return s
}

func (s *ChunkStream) Chunks() <-chan []byte { return s.ch }

func (s *ChunkStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ChunkStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Close stops delivery and waits for the producer to exit.
func (s *ChunkStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
