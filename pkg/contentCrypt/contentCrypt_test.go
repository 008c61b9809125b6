package contentCrypt

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealfs/sealfs/pkg/errdefs"
)

func seal(t *testing.T, cek, plaintext []byte) []byte {
	t.Helper()
	r, err := EncryptStream(cek, bytes.NewReader(plaintext))
	require.NoError(t, err)
	blob, err := io.ReadAll(r)
	require.NoError(t, err)
	return blob
}

func testContent(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	content := make([]byte, n)
	rng.Read(content)
	return content
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cek, err := NewCEK()
	require.NoError(t, err)

	for _, size := range []int{0, 1, BlockSize - 1, BlockSize, BlockSize + 1, 3*BlockSize + 100} {
		content := testContent(size)
		blob := seal(t, cek, content)

		require.Equal(t, CiphertextSize(int64(size)), int64(len(blob)))

		got, err := DecryptRange(cek, bytes.NewReader(blob), int64(len(blob)), 0, int64(size))
		require.NoError(t, err)
		assert.Equal(t, content, got, "size %d", size)
	}
}

func TestDecryptRangeRandomAccess(t *testing.T) {
	cek, err := NewCEK()
	require.NoError(t, err)

	content := testContent(5*BlockSize + 77)
	blob := seal(t, cek, content)

	ranges := [][2]int64{
		{0, 1},
		{5, 10},
		{BlockSize - 1, 2}, // spans a block boundary
		{BlockSize, BlockSize},
		{2*BlockSize + 13, 3 * BlockSize},
		{int64(len(content)) - 1, 1},
		{int64(len(content)) - 40, 4000}, // trimmed at EOF
	}

	for _, r := range ranges {
		off, n := r[0], r[1]
		got, err := DecryptRange(cek, bytes.NewReader(blob), int64(len(blob)), off, n)
		require.NoError(t, err)

		end := off + n
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		assert.Equal(t, content[off:end], got, "range [%d, +%d)", off, n)
	}
}

func TestDecryptRangeBeyondEOF(t *testing.T) {
	cek, err := NewCEK()
	require.NoError(t, err)

	blob := seal(t, cek, testContent(100))
	got, err := DecryptRange(cek, bytes.NewReader(blob), int64(len(blob)), 500, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCorruptedBlockFailsIntegrity(t *testing.T) {
	cek, err := NewCEK()
	require.NoError(t, err)

	content := testContent(3 * BlockSize)
	blob := seal(t, cek, content)

	// Flip one byte inside the second block.
	blob[headerSize+sealedBlockSize+100] ^= 0x01

	// A range over the corrupted block must fail...
	_, err = DecryptRange(cek, bytes.NewReader(blob), int64(len(blob)), BlockSize, BlockSize)
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)

	// ...while blocks before it remain readable.
	got, err := DecryptRange(cek, bytes.NewReader(blob), int64(len(blob)), 0, BlockSize)
	require.NoError(t, err)
	assert.Equal(t, content[:BlockSize], got)
}

func TestWrongCEKFailsIntegrity(t *testing.T) {
	cek, err := NewCEK()
	require.NoError(t, err)
	other, err := NewCEK()
	require.NoError(t, err)

	blob := seal(t, cek, testContent(200))
	_, err = DecryptRange(other, bytes.NewReader(blob), int64(len(blob)), 0, 200)
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)
}

func TestNoncePrefixVariesPerEncryptPass(t *testing.T) {
	cek, err := NewCEK()
	require.NoError(t, err)

	content := testContent(100)
	a := seal(t, cek, content)
	b := seal(t, cek, content)

	// Same CEK, same content: a fresh stream prefix must still make the
	// blobs differ.
	assert.NotEqual(t, a, b)
}

func TestPlaintextSizeRejectsTruncatedBlob(t *testing.T) {
	_, err := PlaintextSize(headerSize + 5)
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)

	_, err = PlaintextSize(3)
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)
}
