// Package cache implements the persistent collection cache: byte payloads
// wrapped in a framed envelope with integrity checking and TTL expiry,
// stored through a pluggable ByteStore.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	// magicBytes is the 4-byte prefix for encoded cache entries.
	magicBytes = []byte("SCE1")

	// ErrCorrupted is returned when an encoded entry fails to decode or its
	// digest does not match. The cache treats it as a miss and evicts.
	ErrCorrupted = errors.New("corrupted cache entry")

	// ErrPayloadTooLarge is returned when a payload exceeds maxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

const (
	// codecVersion is the current envelope encoding version. Entries written
	// with a different version decode as corrupt.
	codecVersion = 1

	// maxHeaderSize bounds the JSON header (64 KiB).
	maxHeaderSize = 64 * 1024

	// compressionThreshold is the minimum payload size before compression is
	// considered. 2KB threshold - zstd overhead not worth it for smaller
	// payloads.
	compressionThreshold = 2048

	// maxPayloadSize caps both stored and decompressed payloads (10MB),
	// guarding against compression bombs on the read side.
	maxPayloadSize = 10 * 1024 * 1024

	compressionNone = "none"
	compressionZstd = "zstd"
)

// Entry is a cached collection payload with its expiry metadata.
type Entry struct {
	Key      string
	Schema   uint32
	StoredAt time.Time
	TTL      time.Duration
	Payload  []byte
}

// Fresh reports whether the entry has not expired at the given time.
// A zero TTL means the entry never expires; a negative TTL means it is
// always expired (stale reads can still see it).
func (e *Entry) Fresh(now time.Time) bool {
	switch {
	case e.TTL == 0:
		return true
	case e.TTL < 0:
		return false
	default:
		return !now.After(e.StoredAt.Add(e.TTL))
	}
}

// ExpiresAt returns the expiry instant. ok is false for unbounded entries.
func (e *Entry) ExpiresAt() (expiry time.Time, ok bool) {
	if e.TTL == 0 {
		return time.Time{}, false
	}
	return e.StoredAt.Add(e.TTL), true
}

// entryHeader is the JSON header of an encoded entry.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | PAYLOAD
type entryHeader struct {
	Version      uint32 `json:"version"`
	Schema       uint32 `json:"schema"`
	Key          string `json:"key"`
	StoredAtUnix int64  `json:"stored_at_unix"`
	TTLSeconds   int64  `json:"ttl_seconds"`
	Compression  string `json:"compression"`
	Digest       string `json:"digest"`
	PayloadSize  uint64 `json:"payload_size"`
}

// codec encodes and decodes entries with pooled zstd encoder/decoder.
// Both are goroutine-safe and reused for the life of the cache.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

// encode serializes an entry, compressing payloads above the threshold and
// recording a digest of the uncompressed payload.
func (c *codec) encode(e *Entry) ([]byte, error) {
	if len(e.Payload) > maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := e.Payload
	compression := compressionNone
	if len(payload) >= compressionThreshold {
		compressed := c.encoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			compression = compressionZstd
		}
	}

	header := entryHeader{
		Version:      codecVersion,
		Schema:       e.Schema,
		Key:          e.Key,
		StoredAtUnix: e.StoredAt.Unix(),
		TTLSeconds:   ttlSeconds(e.TTL),
		Compression:  compression,
		Digest:       digestOf(e.Payload),
		PayloadSize:  uint64(len(e.Payload)),
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	out := make([]byte, 0, len(magicBytes)+4+len(headerBytes)+len(payload))
	out = append(out, magicBytes...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(headerBytes))) //nolint:gosec // header is marshaled above, far below 4GB
	out = append(out, headerBytes...)
	out = append(out, payload...)
	return out, nil
}

// decode parses an encoded entry, decompressing and verifying the digest.
// Every malformed input decodes to an error matching ErrCorrupted.
func (c *codec) decode(data []byte) (*Entry, error) {
	header, body, err := parseFrame(data)
	if err != nil {
		return nil, err
	}

	payload := body
	switch header.Compression {
	case compressionNone:
	case compressionZstd:
		if header.PayloadSize > maxPayloadSize {
			return nil, fmt.Errorf("%w: declared payload size %d exceeds limit", ErrCorrupted, header.PayloadSize)
		}
		payload, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCorrupted, err)
		}
		if len(payload) > maxPayloadSize {
			return nil, fmt.Errorf("%w: decompressed payload exceeds limit", ErrCorrupted)
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrCorrupted, header.Compression)
	}

	if digestOf(payload) != header.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
	}

	entry := entryFromHeader(header)
	entry.Payload = payload
	return entry, nil
}

// decodeHeader parses only the envelope header, leaving the payload
// untouched. Used by the reaper to check expiry without decompressing.
func (c *codec) decodeHeader(data []byte) (*Entry, error) {
	header, _, err := parseFrame(data)
	if err != nil {
		return nil, err
	}
	return entryFromHeader(header), nil
}

func parseFrame(data []byte) (*entryHeader, []byte, error) {
	if len(data) < len(magicBytes)+4 {
		return nil, nil, fmt.Errorf("%w: truncated frame", ErrCorrupted)
	}
	if !bytes.Equal(data[:len(magicBytes)], magicBytes) {
		return nil, nil, fmt.Errorf("%w: invalid magic bytes", ErrCorrupted)
	}

	headerLen := binary.BigEndian.Uint32(data[len(magicBytes):])
	if headerLen > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header length %d exceeds limit", ErrCorrupted, headerLen)
	}

	rest := data[len(magicBytes)+4:]
	if uint64(len(rest)) < uint64(headerLen) {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrCorrupted)
	}

	var header entryHeader
	if err := json.Unmarshal(rest[:headerLen], &header); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing header: %v", ErrCorrupted, err)
	}
	if header.Version != codecVersion {
		return nil, nil, fmt.Errorf("%w: unsupported codec version %d", ErrCorrupted, header.Version)
	}

	return &header, rest[headerLen:], nil
}

func entryFromHeader(h *entryHeader) *Entry {
	return &Entry{
		Key:      h.Key,
		Schema:   h.Schema,
		StoredAt: time.Unix(h.StoredAtUnix, 0),
		TTL:      time.Duration(h.TTLSeconds) * time.Second,
	}
}

// ttlSeconds converts a TTL to whole seconds for the header. Sub-second
// magnitudes round away from zero so a positive TTL is never mistaken for
// unbounded.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs == 0 {
		switch {
		case ttl > 0:
			return 1
		case ttl < 0:
			return -1
		}
	}
	return secs
}

// digestOf computes the blake3 digest in canonical "blake3:<hex>" format.
func digestOf(payload []byte) string {
	sum := blake3.Sum256(payload)
	return "blake3:" + hex.EncodeToString(sum[:])
}
