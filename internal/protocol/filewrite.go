package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrDecode marks a malformed, oversized or non-UTF-8 payload.
	ErrDecode = errors.New("malformed payload")

	// ErrInvalidPath is returned when encoding a request whose path is
	// empty or not valid UTF-8.
	ErrInvalidPath = errors.New("invalid relative path")
)

// PathLengthSize is the width of the path length prefix. It is fixed at
// 64 bits, little-endian, independent of the host word size.
const PathLengthSize = 8

// FileWriteRequest asks the receiver to write Content at Path, relative to
// the synchronized root. A trailing "/" on Path requests a directory.
type FileWriteRequest struct {
	Path    string
	Content []byte
}

// IsDir reports whether the request targets a directory.
func (r FileWriteRequest) IsDir() bool {
	return strings.HasSuffix(r.Path, "/")
}

// Encode produces the wire form:
//
//	[path length: uint64 LE][path: UTF-8][content: remainder]
func (r FileWriteRequest) Encode() ([]byte, error) {
	if r.Path == "" || !utf8.ValidString(r.Path) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, r.Path)
	}
	buf := make([]byte, PathLengthSize+len(r.Path)+len(r.Content))
	binary.LittleEndian.PutUint64(buf, uint64(len(r.Path)))
	n := PathLengthSize + copy(buf[PathLengthSize:], r.Path)
	copy(buf[n:], r.Content)
	return buf, nil
}

// DecodeFileWrite parses a fileWrite payload. Everything after the path is
// taken as content verbatim; zero-length content is valid.
func DecodeFileWrite(data []byte) (FileWriteRequest, error) {
	if len(data) < PathLengthSize {
		return FileWriteRequest{}, fmt.Errorf("%w: %d bytes is shorter than the length prefix", ErrDecode, len(data))
	}
	n := binary.LittleEndian.Uint64(data)
	rest := data[PathLengthSize:]
	if n > uint64(len(rest)) {
		return FileWriteRequest{}, fmt.Errorf("%w: path length %d exceeds remaining %d bytes", ErrDecode, n, len(rest))
	}
	if n == 0 {
		return FileWriteRequest{}, fmt.Errorf("%w: empty path", ErrDecode)
	}
	path := rest[:n]
	if !utf8.Valid(path) {
		return FileWriteRequest{}, fmt.Errorf("%w: path is not valid UTF-8", ErrDecode)
	}
	content := make([]byte, len(rest)-int(n))
	copy(content, rest[n:])
	return FileWriteRequest{Path: string(path), Content: content}, nil
}

// EncodeFileDelete produces a fileDelete payload: the raw UTF-8 path.
func EncodeFileDelete(path string) ([]byte, error) {
	if path == "" || !utf8.ValidString(path) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return []byte(path), nil
}

// DecodeFileDelete parses a fileDelete payload.
func DecodeFileDelete(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrDecode)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: path is not valid UTF-8", ErrDecode)
	}
	return string(data), nil
}
