// Package contentCrypt streams file content through an authenticated block
// cipher that supports random access on decrypt. Each fixed-size plaintext
// block is sealed independently with AES-256-GCM, so a byte-range read only
// decrypts the blocks covering the range.
//
// Blob layout:
//
//	header (16 bytes): magic "SFB1" | version | blockSize uint32 BE | nonce prefix (4) | reserved (3)
//	blocks: blockSize+16 bytes of ciphertext each, last block shorter
//
// The per-block nonce is the blob's random 4-byte prefix followed by the
// big-endian uint64 block index. The prefix is regenerated on every encrypt
// pass, so rewriting a file with the same CEK never reuses a nonce.
//
// The block size is part of the published format; changing it requires a new
// header version, not a reinterpretation of existing blobs.
package contentCrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sealfs/sealfs/pkg/errdefs"
)

const (
	// BlockSize is the fixed plaintext block size.
	BlockSize = 8192

	// CEKSize is the content encryption key size (AES-256).
	CEKSize = 32

	blobMagic    = "SFB1"
	blobVersion  = 1
	headerSize   = 16
	gcmOverhead  = 16
	gcmNonceSize = 12
	prefixSize   = 4

	sealedBlockSize = BlockSize + gcmOverhead
)

// NewCEK generates a fresh random content encryption key.
func NewCEK() ([]byte, error) {
	cek := make([]byte, CEKSize)
	if _, err := rand.Read(cek); err != nil {
		return nil, fmt.Errorf("generate cek: %w", err)
	}
	return cek, nil
}

func newAEAD(cek []byte) (cipher.AEAD, error) {
	if len(cek) != CEKSize {
		return nil, fmt.Errorf("cek must be %d bytes, got %d", CEKSize, len(cek))
	}
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func blockNonce(prefix []byte, blockIndex uint64) []byte {
	nonce := make([]byte, gcmNonceSize)
	copy(nonce, prefix)
	binary.BigEndian.PutUint64(nonce[prefixSize:], blockIndex)
	return nonce
}

// EncryptStream returns a reader producing the sealed blob for the plaintext
// stream. The AEAD context is constructed per call; nothing is shared across
// files.
func EncryptStream(cek []byte, plaintext io.Reader) (io.Reader, error) {
	aead, err := newAEAD(cek)
	if err != nil {
		return nil, err
	}

	prefix := make([]byte, prefixSize)
	if _, err := rand.Read(prefix); err != nil {
		return nil, fmt.Errorf("generate nonce prefix: %w", err)
	}

	header := make([]byte, headerSize)
	copy(header, blobMagic)
	header[4] = blobVersion
	binary.BigEndian.PutUint32(header[5:9], BlockSize)
	copy(header[9:13], prefix)

	return &sealReader{
		aead:      aead,
		prefix:    prefix,
		plaintext: plaintext,
		buf:       bytes.NewBuffer(header),
	}, nil
}

type sealReader struct {
	aead      cipher.AEAD
	prefix    []byte
	plaintext io.Reader
	buf       *bytes.Buffer
	block     uint64
	done      bool
}

func (r *sealReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.sealNext(); err != nil {
			return 0, err
		}
	}
	return r.buf.Read(p)
}

func (r *sealReader) sealNext() error {
	chunk := make([]byte, BlockSize)
	n, err := io.ReadFull(r.plaintext, chunk)
	switch {
	case err == io.EOF:
		r.done = true
		return nil
	case err == io.ErrUnexpectedEOF:
		r.done = true
	case err != nil:
		return fmt.Errorf("read plaintext block %d: %w", r.block, err)
	}

	nonce := blockNonce(r.prefix, r.block)
	r.buf.Write(r.aead.Seal(nil, nonce, chunk[:n], nil))
	r.block++
	return nil
}

// CiphertextSize returns the sealed blob size for a plaintext size.
func CiphertextSize(plaintextSize int64) int64 {
	if plaintextSize == 0 {
		return headerSize
	}
	fullBlocks := plaintextSize / BlockSize
	size := int64(headerSize) + fullBlocks*sealedBlockSize
	if rem := plaintextSize % BlockSize; rem > 0 {
		size += rem + gcmOverhead
	}
	return size
}

// PlaintextSize returns the plaintext size of a sealed blob, or
// errdefs.ErrIntegrity if the blob size is not a valid layout.
func PlaintextSize(ciphertextSize int64) (int64, error) {
	body := ciphertextSize - headerSize
	if body < 0 {
		return 0, errdefs.ErrIntegrity
	}
	fullBlocks := body / sealedBlockSize
	rem := body % sealedBlockSize
	if rem == 0 {
		return fullBlocks * BlockSize, nil
	}
	if rem <= gcmOverhead {
		return 0, errdefs.ErrIntegrity
	}
	return fullBlocks*BlockSize + rem - gcmOverhead, nil
}

// DecryptRange decrypts the plaintext bytes [offset, offset+length) of a
// sealed blob. Only the covering blocks are read and opened. Any block that
// fails authentication aborts the read with errdefs.ErrIntegrity; no partial
// plaintext is returned.
//
// blobSize is the total sealed blob size, used to locate the final short
// block. A range reaching past the end of the file is trimmed.
func DecryptRange(cek []byte, blob io.ReaderAt, blobSize, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range [%d, +%d)", offset, length)
	}

	aead, err := newAEAD(cek)
	if err != nil {
		return nil, err
	}

	prefix, err := readHeader(blob)
	if err != nil {
		return nil, err
	}

	plainSize, err := PlaintextSize(blobSize)
	if err != nil {
		return nil, err
	}
	if offset >= plainSize {
		return nil, nil
	}
	if offset+length > plainSize {
		length = plainSize - offset
	}
	if length == 0 {
		return nil, nil
	}

	firstBlock := offset / BlockSize
	lastBlock := (offset + length - 1) / BlockSize

	out := make([]byte, 0, length)
	for idx := firstBlock; idx <= lastBlock; idx++ {
		plain, err := openBlock(aead, prefix, blob, blobSize, uint64(idx))
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}

	// Trim the covering blocks to the exact requested range.
	start := offset - firstBlock*BlockSize
	return out[start : start+length], nil
}

func readHeader(blob io.ReaderAt) ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := blob.ReadAt(header, 0); err != nil {
		return nil, errdefs.ErrIntegrity
	}
	if string(header[:4]) != blobMagic {
		return nil, errdefs.ErrIntegrity
	}
	if header[4] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", errdefs.ErrIntegrity, header[4])
	}
	if binary.BigEndian.Uint32(header[5:9]) != BlockSize {
		return nil, fmt.Errorf("%w: block size mismatch", errdefs.ErrIntegrity)
	}
	return header[9 : 9+prefixSize], nil
}

func openBlock(aead cipher.AEAD, prefix []byte, blob io.ReaderAt, blobSize int64, blockIndex uint64) ([]byte, error) {
	start := int64(headerSize) + int64(blockIndex)*sealedBlockSize
	end := start + sealedBlockSize
	if end > blobSize {
		end = blobSize
	}
	if end-start <= gcmOverhead {
		return nil, errdefs.ErrIntegrity
	}

	sealed := make([]byte, end-start)
	if _, err := blob.ReadAt(sealed, start); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read block %d: %w", blockIndex, err)
	}

	plain, err := aead.Open(nil, blockNonce(prefix, blockIndex), sealed, nil)
	if err != nil {
		return nil, errdefs.ErrIntegrity
	}
	return plain, nil
}
