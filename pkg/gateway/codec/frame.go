package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

var (
	ErrEncodingMismatch = errors.New("encoding does not match negotiated codec")
	ErrMalformedFrame   = errors.New("malformed audio frame")
)

var amrMagic = []byte("#!AMR\n")

// AMR-NB storage-format frame sizes (header byte included) indexed by frame type.
// Zero marks reserved frame types.
var amrFrameBytes = [16]int{13, 14, 16, 18, 20, 21, 27, 32, 6, 0, 0, 0, 0, 0, 0, 1}

const (
	amrFrameTypeSID    = 8
	amrFrameTypeNoData = 15

	opusMaxPacketBytes = 1275
	opusDTXMaxBytes    = 2
)

// ValidateFrame checks that frame carries audio in the negotiated codec. An empty encoding
// tag means the client relies on the negotiated codec.
func ValidateFrame(p types.AudioProfile, encoding string, frame []byte) error {
	if tag := strings.TrimSpace(encoding); tag != "" && !strings.EqualFold(tag, string(p.Codec)) {
		return fmt.Errorf("%w: got %q, negotiated %q", ErrEncodingMismatch, tag, p.Codec)
	}
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	switch p.Codec {
	case types.CodecPCM16K16:
		if len(frame)%2 != 0 {
			return fmt.Errorf("%w: pcm16 frame has odd length %d", ErrMalformedFrame, len(frame))
		}
		return nil
	case types.CodecAMRNB8K:
		_, err := amrFrameTypes(frame)
		return err
	case types.CodecOpus16K:
		return validateOpusPacket(frame)
	default:
		return fmt.Errorf("%w: unknown codec %q", ErrMalformedFrame, p.Codec)
	}
}

// IsVoiced applies the DTX heuristic of compressed codecs. ok is false for PCM, whose
// voice confidence must be computed from signal energy.
func IsVoiced(p types.AudioProfile, frame []byte) (voiced bool, ok bool) {
	switch p.Codec {
	case types.CodecAMRNB8K:
		fts, err := amrFrameTypes(frame)
		if err != nil {
			return false, true
		}
		for _, ft := range fts {
			if ft != amrFrameTypeSID && ft != amrFrameTypeNoData {
				return true, true
			}
		}
		return false, true
	case types.CodecOpus16K:
		return len(frame) > opusDTXMaxBytes, true
	default:
		return false, false
	}
}

func amrFrameTypes(frame []byte) ([]int, error) {
	data := bytes.TrimPrefix(frame, amrMagic)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: amr payload is empty", ErrMalformedFrame)
	}
	var fts []int
	for i := 0; i < len(data); {
		h := data[i]
		if h&0x83 != 0 {
			return nil, fmt.Errorf("%w: amr header 0x%02x at offset %d", ErrMalformedFrame, h, i)
		}
		ft := int(h>>3) & 0x0F
		size := amrFrameBytes[ft]
		if size == 0 {
			return nil, fmt.Errorf("%w: reserved amr frame type %d", ErrMalformedFrame, ft)
		}
		if i+size > len(data) {
			return nil, fmt.Errorf("%w: truncated amr frame type %d", ErrMalformedFrame, ft)
		}
		fts = append(fts, ft)
		i += size
	}
	return fts, nil
}

func validateOpusPacket(pkt []byte) error {
	if len(pkt) > opusMaxPacketBytes {
		return fmt.Errorf("%w: opus packet of %d bytes", ErrMalformedFrame, len(pkt))
	}
	switch pkt[0] & 0x03 {
	case 0:
		return nil
	case 1:
		if (len(pkt)-1)%2 != 0 {
			return fmt.Errorf("%w: opus code 1 packet with odd payload", ErrMalformedFrame)
		}
		return nil
	case 2:
		if len(pkt) < 2 {
			return fmt.Errorf("%w: opus code 2 packet without frame length", ErrMalformedFrame)
		}
		return nil
	default:
		if len(pkt) < 2 || pkt[1]&0x3F == 0 {
			return fmt.Errorf("%w: opus code 3 packet without frame count", ErrMalformedFrame)
		}
		return nil
	}
}
