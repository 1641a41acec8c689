package modelscan

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ggufBuilder assembles minimal valid GGUF files for tests.
type ggufBuilder struct {
	buf     bytes.Buffer
	entries bytes.Buffer
	count   uint64
}

func (b *ggufBuilder) writeString(w *bytes.Buffer, s string) {
	binary.Write(w, binary.LittleEndian, uint64(len(s)))
	w.WriteString(s)
}

func (b *ggufBuilder) addString(key, value string) *ggufBuilder {
	b.writeString(&b.entries, key)
	binary.Write(&b.entries, binary.LittleEndian, uint32(ggufTypeString))
	b.writeString(&b.entries, value)
	b.count++
	return b
}

func (b *ggufBuilder) addUint32(key string, value uint32) *ggufBuilder {
	b.writeString(&b.entries, key)
	binary.Write(&b.entries, binary.LittleEndian, uint32(ggufTypeUint32))
	binary.Write(&b.entries, binary.LittleEndian, value)
	b.count++
	return b
}

func (b *ggufBuilder) addFloat32Array(key string, values []float32) *ggufBuilder {
	b.writeString(&b.entries, key)
	binary.Write(&b.entries, binary.LittleEndian, uint32(ggufTypeArray))
	binary.Write(&b.entries, binary.LittleEndian, uint32(ggufTypeFloat32))
	binary.Write(&b.entries, binary.LittleEndian, uint64(len(values)))
	for _, v := range values {
		binary.Write(&b.entries, binary.LittleEndian, v)
	}
	b.count++
	return b
}

func (b *ggufBuilder) bytes() []byte {
	binary.Write(&b.buf, binary.LittleEndian, uint32(ggufMagic))
	binary.Write(&b.buf, binary.LittleEndian, uint32(3)) // version
	binary.Write(&b.buf, binary.LittleEndian, uint64(0)) // tensor count
	binary.Write(&b.buf, binary.LittleEndian, b.count)
	b.buf.Write(b.entries.Bytes())
	return b.buf.Bytes()
}

func (b *ggufBuilder) writeTo(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, b.bytes(), 0o644))
}

func TestParseGGUFReadsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	b := &ggufBuilder{}
	b.addString("general.architecture", "llama").
		addString("general.name", "Test Model").
		addFloat32Array("tokenizer.scores", []float32{0.1, 0.2, 0.3}).
		addUint32("llama.context_length", 4096).
		addUint32("llama.embedding_length", 2048).
		writeTo(t, path)

	md, err := ParseGGUF(path)
	require.NoError(t, err)
	assert.Equal(t, "llama", md.Architecture)
	assert.Equal(t, "Test Model", md.Name)
	assert.Equal(t, 4096, md.ContextLength)
	assert.Equal(t, 2048, md.EmbeddingSize)
}

func TestParseGGUFWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readme.txt")
	require.NoError(t, os.WriteFile(path, []byte("just some text, no model here"), 0o644))

	_, err := ParseGGUF(path)
	assert.ErrorIs(t, err, ErrNotGGUF)
	assert.False(t, SniffGGUF(path))
}

func TestParseGGUFTruncatedKeepsPartial(t *testing.T) {
	b := &ggufBuilder{}
	b.addString("general.architecture", "qwen2").
		addUint32("qwen2.context_length", 32768)
	full := b.bytes()

	path := filepath.Join(t.TempDir(), "trunc.gguf")
	// Cut into the middle of the second entry.
	require.NoError(t, os.WriteFile(path, full[:len(full)-6], 0o644))

	md, err := ParseGGUF(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2", md.Architecture)
	assert.Zero(t, md.ContextLength, "truncated entry must not be applied")
}

func TestParseGGUFOversizedStringStops(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(ggufMagic))
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint64(1))
	// Key with an absurd declared length.
	binary.Write(&buf, binary.LittleEndian, uint64(1<<40))

	path := filepath.Join(t.TempDir(), "evil.gguf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	md, err := ParseGGUF(path)
	require.NoError(t, err)
	assert.Empty(t, md.Architecture)
}

func TestSniffGGUFIgnoresExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model-a.bin")
	(&ggufBuilder{}).writeTo(t, path)
	assert.True(t, SniffGGUF(path))
}
