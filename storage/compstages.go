package storage

import (
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// SnappyStage wraps klauspost/compress/snappy (API-compatible with
// golang/snappy but allocation-lighter). A page-level compressed-flag
// path already compresses record payloads with this package, so reusing
// it here is a natural choice.
type SnappyStage struct{}

func (SnappyStage) Name() string            { return "snappy" }
func (SnappyStage) SupportsSegments() bool  { return true }
func (SnappyStage) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}
func (SnappyStage) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}
func (SnappyStage) EncodeSegment(dst, src []byte) ([]byte, error) {
	return snappy.Encode(growForEncode(dst, snappy.MaxEncodedLen(len(src))), src), nil
}
func (SnappyStage) DecodeSegment(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}

// S2Stage wraps klauspost/compress/s2, a snappy-compatible codec with a
// better compression ratio and native concurrent block encoding. Adopted
// from the same compression dependency already in go.mod, for
// resource profiles that want better ratio than raw snappy without
// zstd's CPU cost.
type S2Stage struct{}

func (S2Stage) Name() string           { return "s2" }
func (S2Stage) SupportsSegments() bool { return true }
func (S2Stage) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return s2.NewWriter(w), nil
}
func (S2Stage) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(r)), nil
}
func (S2Stage) EncodeSegment(dst, src []byte) ([]byte, error) {
	out := growForEncode(dst, s2.MaxEncodedLen(len(src)))
	return s2.Encode(out, src), nil
}
func (S2Stage) DecodeSegment(dst, src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	out := growForEncode(dst, n)
	return s2.Decode(out, src)
}

// ZstdStage wraps klauspost/compress/zstd for resource profiles that
// prefer compression ratio over raw throughput. Adopted from the
// the existing klauspost/compress dependency.
type ZstdStage struct {
	level zstd.EncoderLevel
}

func NewZstdStage(level zstd.EncoderLevel) ZstdStage {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return ZstdStage{level: level}
}

func (ZstdStage) Name() string           { return "zstd" }
func (ZstdStage) SupportsSegments() bool { return true }

func (s ZstdStage) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(s.level))
}
func (ZstdStage) WrapReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return readCloserFromDecoder{dec}, nil
}
func (s ZstdStage) EncodeSegment(dst, src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(s.level))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(src, dst), nil
}
func (ZstdStage) DecodeSegment(dst, src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(src, dst)
}

type readCloserFromDecoder struct{ dec *zstd.Decoder }

func (r readCloserFromDecoder) Read(p []byte) (int, error) { return r.dec.Read(p) }
func (r readCloserFromDecoder) Close() error                { r.dec.Close(); return nil }

func growForEncode(dst []byte, n int) []byte {
	if cap(dst) >= n {
		return dst[:0]
	}
	return make([]byte, 0, n)
}
