package topics

import (
	"strings"
	"time"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

// CompressionAlgorithm is the stored compression code of a topic. Batches
// are currently written uncompressed regardless of the code; the code is
// validated and retained for on-disk compatibility.
type CompressionAlgorithm uint8

const (
	CompressionNone CompressionAlgorithm = 1
	CompressionGzip CompressionAlgorithm = 2
	CompressionS2   CompressionAlgorithm = 3
	CompressionZstd CompressionAlgorithm = 4
)

func (c CompressionAlgorithm) Validate() error {
	if c < CompressionNone || c > CompressionZstd {
		return streamerr.ErrInvalidCompression
	}
	return nil
}

func (c CompressionAlgorithm) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	}
	return "unknown"
}

// CompressionFromString parses a compression algorithm name.
func CompressionFromString(s string) (CompressionAlgorithm, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, streamerr.ErrInvalidCompression
}

// ExpiryKind selects how message expiry is derived.
type ExpiryKind uint8

const (
	ExpiryServerDefault ExpiryKind = 1
	ExpiryNever         ExpiryKind = 2
	ExpiryDuration      ExpiryKind = 3
)

// ExpiryPolicy is the message-expiry policy of a topic.
type ExpiryPolicy struct {
	Kind     ExpiryKind
	Duration time.Duration
}

func ServerDefaultExpiry() ExpiryPolicy { return ExpiryPolicy{Kind: ExpiryServerDefault} }
func NeverExpire() ExpiryPolicy         { return ExpiryPolicy{Kind: ExpiryNever} }
func ExpireAfter(d time.Duration) ExpiryPolicy {
	return ExpiryPolicy{Kind: ExpiryDuration, Duration: d}
}

func (e ExpiryPolicy) Validate() error {
	switch e.Kind {
	case ExpiryServerDefault, ExpiryNever:
		return nil
	case ExpiryDuration:
		if e.Duration <= 0 {
			return streamerr.ErrInvalidExpiry
		}
		return nil
	}
	return streamerr.ErrInvalidExpiry
}

// Resolve returns the effective expiry given the server default; 0 means
// messages never expire.
func (e ExpiryPolicy) Resolve(serverDefault time.Duration) time.Duration {
	switch e.Kind {
	case ExpiryDuration:
		return e.Duration
	case ExpiryServerDefault:
		return serverDefault
	}
	return 0
}

// SizeKind selects how the max-topic-size policy is derived.
type SizeKind uint8

const (
	SizeServerDefault SizeKind = 1
	SizeUnlimited     SizeKind = 2
	SizeBytes         SizeKind = 3
)

// SizePolicy is the max-topic-size policy of a topic.
type SizePolicy struct {
	Kind  SizeKind
	Bytes uint64
}

func ServerDefaultSize() SizePolicy     { return SizePolicy{Kind: SizeServerDefault} }
func UnlimitedSize() SizePolicy         { return SizePolicy{Kind: SizeUnlimited} }
func MaxBytes(bytes uint64) SizePolicy  { return SizePolicy{Kind: SizeBytes, Bytes: bytes} }

func (s SizePolicy) Validate() error {
	switch s.Kind {
	case SizeServerDefault, SizeUnlimited:
		return nil
	case SizeBytes:
		if s.Bytes == 0 {
			return streamerr.ErrInvalidFormat
		}
		return nil
	}
	return streamerr.ErrInvalidFormat
}
