// Package crypto provides the session cipher for cryptchat frames.
// Includes key derivation from the Diffie-Hellman secret, AES-128-ECB frame
// encryption with an embedded length byte, and locked key storage.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"math/big"

	"github.com/awnumar/memguard"

	"cryptchat/pkg/keyexchange"
)

const (
	// KeySize is the size of the AES-128 session key
	KeySize = keyexchange.WireKeySize

	// BlockSize is the cipher block size
	BlockSize = aes.BlockSize

	// MaxPlaintextSize is the longest message one length byte can describe
	MaxPlaintextSize = 255

	// MaxCiphertextSize is the frame size of a MaxPlaintextSize message
	MaxCiphertextSize = (MaxPlaintextSize+1)/BlockSize*BlockSize + BlockSize
)

var (
	// ErrNoSessionKey is returned when the cipher is used before DeriveKey.
	ErrNoSessionKey = errors.New("session key not derived")

	// ErrMessageTooLong is returned for plaintexts over MaxPlaintextSize bytes.
	ErrMessageTooLong = errors.New("message too long")

	// ErrMalformedFrame is returned when a frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

// SessionCipher encrypts and decrypts frames for one connection. Once the key
// is derived the cipher is read-only and safe for concurrent use by a reader
// and a writer.
type SessionCipher struct {
	key   *memguard.LockedBuffer
	block cipher.Block
}

// NewSessionCipher returns a cipher with no key. Encrypt and Decrypt fail
// until DeriveKey runs.
func NewSessionCipher() *SessionCipher {
	return &SessionCipher{}
}

// DeriveKey pads the shared secret big-endian into 16 bytes and installs it
// as the session key. It may only be called once.
func (c *SessionCipher) DeriveKey(sharedSecret *big.Int) error {
	if c.block != nil {
		return fmt.Errorf("session key already derived")
	}

	wire, err := keyexchange.Serialize(sharedSecret)
	if err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}

	// NewBufferFromBytes wipes the source slice.
	key := memguard.NewBufferFromBytes(wire[:])
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		key.Destroy()
		return fmt.Errorf("AES cipher creation failed: %w", err)
	}

	c.key = key
	c.block = block
	return nil
}

// Ready reports whether a session key has been derived.
func (c *SessionCipher) Ready() bool {
	return c.block != nil
}

// Encrypt frames plaintext as plaintext ++ len(plaintext) and encrypts it.
// The output length is a multiple of BlockSize.
func (c *SessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNoSessionKey
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLong, len(plaintext), MaxPlaintextSize)
	}

	framed := make([]byte, 0, len(plaintext)+1)
	framed = append(framed, plaintext...)
	framed = append(framed, byte(len(plaintext)))

	padded := pkcs7Pad(framed, BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += BlockSize {
		c.block.Encrypt(out[i:i+BlockSize], padded[i:i+BlockSize])
	}
	return out, nil
}

// Decrypt reverses Encrypt. The input may carry trailing zero bytes from a
// fixed-size receive buffer but must otherwise hold exactly one frame.
func (c *SessionCipher) Decrypt(frame []byte) ([]byte, error) {
	if c.block == nil {
		return nil, ErrNoSessionKey
	}

	ciphertext, err := trimFrame(frame)
	if err != nil {
		return nil, err
	}
	return unframe(c.decryptBlocks(ciphertext))
}

// NextFrame decodes the first frame at the start of data, which may hold
// several frames back to back. It returns the plaintext and the number of
// bytes the frame occupies. Prefixes are tried shortest first; a prefix is a
// frame when its padding is valid and its length byte matches the body.
func (c *SessionCipher) NextFrame(data []byte) ([]byte, int, error) {
	if c.block == nil {
		return nil, 0, ErrNoSessionKey
	}

	limit := len(data) - len(data)%BlockSize
	if limit > MaxCiphertextSize {
		limit = MaxCiphertextSize
	}
	if limit == 0 {
		return nil, 0, fmt.Errorf("%w: %d bytes is less than a block", ErrMalformedFrame, len(data))
	}

	// ECB blocks are independent, so one pass serves every prefix.
	padded := c.decryptBlocks(data[:limit])
	for n := BlockSize; n <= limit; n += BlockSize {
		if body, err := unframe(padded[:n]); err == nil {
			return body, n, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no frame in %d bytes", ErrMalformedFrame, len(data))
}

func (c *SessionCipher) decryptBlocks(ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += BlockSize {
		c.block.Decrypt(out[i:i+BlockSize], ciphertext[i:i+BlockSize])
	}
	return out
}

// unframe strips PKCS7 padding and checks the length byte against the body.
func unframe(padded []byte) ([]byte, error) {
	framed, err := pkcs7Unpad(padded, BlockSize)
	if err != nil {
		return nil, err
	}
	if len(framed) == 0 {
		return nil, fmt.Errorf("%w: missing length byte", ErrMalformedFrame)
	}

	n := int(framed[len(framed)-1])
	body := framed[:len(framed)-1]
	if n != len(body) {
		return nil, fmt.Errorf("%w: length byte %d, payload %d", ErrMalformedFrame, n, len(body))
	}
	return body, nil
}

// Destroy wipes the locked key material.
func (c *SessionCipher) Destroy() {
	if c.key != nil {
		c.key.Destroy()
	}
}

// trimFrame strips receive-buffer zero padding. Stripping can eat zero bytes
// that belong to the final ciphertext block, so the length is rounded back up
// to the block boundary.
func trimFrame(frame []byte) ([]byte, error) {
	end := len(bytes.TrimRight(frame, "\x00"))
	if end == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if r := end % BlockSize; r != 0 {
		end += BlockSize - r
	}
	if end > len(frame) {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of blocks", ErrMalformedFrame, len(frame))
	}
	return frame[:end], nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad block alignment", ErrMalformedFrame)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedFrame)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedFrame)
		}
	}
	return data[:len(data)-n], nil
}
