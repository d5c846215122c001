package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C_Chunked(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	var crc uint32
	for i := 0; i < len(data); i += 7 {
		crc = UpdateCRC32C(crc, data[i:min(i+7, len(data))])
	}
	assert.Equal(t, CRC32C(data), crc)

	h := NewCRC32C()
	_, _ = h.Write(data)
	assert.Equal(t, CRC32C(data), h.Sum32())

	// Known CRC32C check value.
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
}
