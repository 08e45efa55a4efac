// Package codec wraps stored payloads in a one-byte envelope naming the
// compression used, so a store can change its write codec without
// rewriting old rows.
//
// Envelope format: [codec uint8][body...]. For lz4 the body is
// [uncompressed length uvarint][lz4 block].
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a compression algorithm.
type Codec uint8

const (
	// None stores the payload as is.
	None Codec = 0
	// Snappy is the default; fast with a modest ratio.
	Snappy Codec = 1
	// Zstd trades speed for a better ratio.
	Zstd Codec = 2
	// LZ4 block compression.
	LZ4 Codec = 3
)

// Errors returned by Decode and Parse.
var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrTruncated    = errors.New("truncated envelope")
	ErrSizeMismatch = errors.New("decompressed size mismatch")
)

// maxDecodedSize bounds the length an lz4 envelope may claim.
const maxDecodedSize = 1 << 30

var names = map[Codec]string{
	None:   "none",
	Snappy: "snappy",
	Zstd:   "zstd",
	LZ4:    "lz4",
}

// String returns the codec's configuration name.
func (c Codec) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// Parse maps a configuration name to a Codec.
func Parse(name string) (Codec, error) {
	for c, n := range names {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// Encode compresses data with c and prepends the envelope header. Empty
// payloads, and data that lz4 cannot shrink, are stored with None.
func Encode(c Codec, data []byte) ([]byte, error) {
	if len(data) == 0 && c <= LZ4 {
		c = None
	}
	switch c {
	case None:
		return append([]byte{byte(None)}, data...), nil

	case Snappy:
		return append([]byte{byte(Snappy)}, snappy.Encode(nil, data)...), nil

	case Zstd:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, []byte{byte(Zstd)}), nil

	case LZ4:
		buf := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
		buf[0] = byte(LZ4)
		hdr := 1 + binary.PutUvarint(buf[1:], uint64(len(data)))
		n, err := lz4.CompressBlock(data, buf[hdr:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return Encode(None, data)
		}
		return buf[:hdr+n], nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, c)
	}
}

// Decode reads the envelope header and returns the uncompressed payload.
func Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrTruncated
	}
	body := data[1:]

	switch Codec(data[0]) {
	case None:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil

	case Snappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil

	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil

	case LZ4:
		size, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, ErrTruncated
		}
		if size > maxDecodedSize {
			return nil, fmt.Errorf("%w: claims %d bytes", ErrSizeMismatch, size)
		}
		out := make([]byte, size)
		got, err := lz4.UncompressBlock(body[n:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		if uint64(got) != size {
			return nil, ErrSizeMismatch
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, data[0])
	}
}
