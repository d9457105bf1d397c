package od

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Read a domain entry the way an SDO server does, segment by segment
func readAll(t *testing.T, od *ObjectDictionary, index uint16, bufferSize int) []byte {
	stream := &Stream{}
	buffer := make([]byte, bufferSize)
	require.Nil(t, od.InitStream(stream, index, 0, buffer))
	var out []byte
	for {
		require.Nil(t, stream.Read())
		out = append(out, stream.Data[:stream.DataLength]...)
		if stream.LastSegment {
			return out
		}
	}
}

func TestReaderObject(t *testing.T) {
	od := NewOD()
	content := bytes.Repeat([]byte("0123456789"), 10)
	od.AddReader(0x4000, "reader", bytes.NewReader(content))
	assert.Equal(t, content, readAll(t, od, 0x4000, 32))

	// Exact multiple of the buffer size
	od.AddReader(0x4001, "reader exact", bytes.NewReader(content[:64]))
	assert.Equal(t, content[:64], readAll(t, od, 0x4001, 32))

	stream := &Stream{}
	require.Nil(t, od.InitStream(stream, 0x4000, 0, make([]byte, 8)))
	assert.Equal(t, ErrReadonly, stream.Write(8))
}

func TestFileObject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	od := NewOD()
	od.AddFile(0x4100, "file", path, os.O_RDONLY, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)

	content := bytes.Repeat([]byte("abcdefg"), 13)
	stream := &Stream{}
	buffer := make([]byte, 32)
	require.Nil(t, od.InitStream(stream, 0x4100, 0, buffer))
	for offset := 0; offset < len(content); offset += len(buffer) {
		n := copy(buffer, content[offset:])
		stream.LastSegment = offset+n >= len(content)
		require.Nil(t, stream.Write(uint32(n)))
	}
	written, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Equal(t, content, written)

	assert.Equal(t, content, readAll(t, od, 0x4100, 32))
}

func TestFileObjectMissing(t *testing.T) {
	od := NewOD()
	od.AddFile(0x4100, "file", filepath.Join(t.TempDir(), "missing"), os.O_RDONLY, os.O_RDONLY)
	stream := &Stream{}
	require.Nil(t, od.InitStream(stream, 0x4100, 0, make([]byte, 8)))
	assert.Equal(t, ErrDataTransf, stream.Read())
}
