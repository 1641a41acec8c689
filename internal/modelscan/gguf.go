package modelscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// GGUF value types from the format specification.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

const (
	ggufMagic = 0x46554747 // "GGUF" little-endian

	// Defensive parsing limits. Metadata parsing for a file stops at the
	// first entry that violates one; whatever was recovered so far is kept.
	maxKeyLen      = 1024
	maxStringLen   = 64 << 10
	maxArrayElems  = 1 << 20
	maxMetaEntries = 4096
)

// ErrNotGGUF marks a file without the GGUF signature. Scanners skip such
// files silently; directories may contain unrelated files.
var ErrNotGGUF = errors.New("not a gguf file")

// GGUFMetadata is the subset of embedded metadata the registry cares about.
type GGUFMetadata struct {
	Architecture  string
	Name          string
	ContextLength int
	EmbeddingSize int
}

// SniffGGUF reports whether the file starts with the GGUF signature.
func SniffGGUF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return false
	}
	return magic == ggufMagic
}

// ParseGGUF reads the bounded metadata prefix of a GGUF file. A missing
// signature returns ErrNotGGUF. Truncated, oversized or unknown-typed
// entries stop metadata parsing without error: the caller gets whatever was
// recovered before the malformed entry.
func ParseGGUF(path string) (*GGUFMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header struct {
		Magic       uint32
		Version     uint32
		TensorCount uint64
		KVCount     uint64
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, ErrNotGGUF
	}
	if header.Magic != ggufMagic {
		return nil, ErrNotGGUF
	}

	md := &GGUFMetadata{}
	count := header.KVCount
	if count > maxMetaEntries {
		count = maxMetaEntries
	}
	for i := uint64(0); i < count; i++ {
		if err := readMetaEntry(f, md); err != nil {
			// Defensive stop: keep what we have.
			break
		}
	}
	return md, nil
}

func readMetaEntry(r io.Reader, md *GGUFMetadata) error {
	key, err := readGGUFString(r, maxKeyLen)
	if err != nil {
		return err
	}
	var valueType uint32
	if err := binary.Read(r, binary.LittleEndian, &valueType); err != nil {
		return err
	}

	wanted := key == "general.architecture" || key == "general.name" ||
		strings.HasSuffix(key, ".context_length") ||
		strings.HasSuffix(key, ".embedding_length")
	if !wanted {
		return skipGGUFValue(r, valueType)
	}

	value, err := readGGUFValue(r, valueType)
	if err != nil {
		return err
	}
	switch {
	case key == "general.architecture":
		if s, ok := value.(string); ok {
			md.Architecture = s
		}
	case key == "general.name":
		if s, ok := value.(string); ok {
			md.Name = s
		}
	case strings.HasSuffix(key, ".context_length"):
		if n := intFromGGUF(value); n > 0 {
			md.ContextLength = n
		}
	case strings.HasSuffix(key, ".embedding_length"):
		if n := intFromGGUF(value); n > 0 {
			md.EmbeddingSize = n
		}
	}
	return nil
}

func readGGUFString(r io.Reader, limit uint64) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > limit {
		return "", fmt.Errorf("gguf string length %d out of bounds", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readGGUFValue(r io.Reader, valueType uint32) (any, error) {
	switch valueType {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return float64(v), err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case ggufTypeString:
		return readGGUFString(r, maxStringLen)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unsupported gguf value type %d", valueType)
	}
}

func skipGGUFValue(r io.Reader, valueType uint32) error {
	fixed := map[uint32]int64{
		ggufTypeUint8: 1, ggufTypeInt8: 1, ggufTypeBool: 1,
		ggufTypeUint16: 2, ggufTypeInt16: 2,
		ggufTypeUint32: 4, ggufTypeInt32: 4, ggufTypeFloat32: 4,
		ggufTypeUint64: 8, ggufTypeInt64: 8, ggufTypeFloat64: 8,
	}
	if size, ok := fixed[valueType]; ok {
		return discard(r, size)
	}
	switch valueType {
	case ggufTypeString:
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return err
		}
		if n > maxStringLen {
			return fmt.Errorf("gguf string too large: %d", n)
		}
		return discard(r, int64(n))
	case ggufTypeArray:
		var elemType uint32
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		if count > maxArrayElems {
			return fmt.Errorf("gguf array too large: %d elements", count)
		}
		if size, ok := fixed[elemType]; ok {
			return discard(r, int64(count)*size)
		}
		if elemType == ggufTypeString {
			for i := uint64(0); i < count; i++ {
				if err := skipGGUFValue(r, ggufTypeString); err != nil {
					return err
				}
			}
			return nil
		}
		return fmt.Errorf("unsupported gguf array element type %d", elemType)
	default:
		return fmt.Errorf("unsupported gguf value type %d", valueType)
	}
}

func discard(r io.Reader, n int64) error {
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

func intFromGGUF(value any) int {
	switch v := value.(type) {
	case uint64:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
