// Package codec implements the wire encoding for Motion BLE blinds: the
// vendor symmetric cipher applied to every command before transmission and
// the firmware's fixed-width hexadecimal field format.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// appKey is the fixed app key shared by all blinds of this family. The
// firmware derives no per-device secret; the key exchange during the
// handshake registers a controller identity, not a new cipher key.
var appKey = []byte("a3q8r8c135sqbn66")

// ErrBadPadding is returned when a decrypted payload does not end in valid
// PKCS#7 padding.
var ErrBadPadding = errors.New("codec: invalid padding")

// Cipher is the symmetric transform applied to raw command bytes. The
// production implementation is the vendor AES cipher; tests substitute
// known-answer doubles.
type Cipher interface {
	// BlockSize returns the cipher block length in bytes.
	BlockSize() int
	// Encrypt pads and encrypts plain.
	Encrypt(plain []byte) ([]byte, error)
	// Decrypt decrypts data and strips padding. The input length must be a
	// multiple of BlockSize.
	Decrypt(data []byte) ([]byte, error)
}

// MotionCipher is the vendor cipher: AES-128-ECB with the shared app key and
// PKCS#7 padding. ECB is the firmware's choice, not ours; commands are short
// and always carry a timestamp, which is all the variation the firmware
// expects.
type MotionCipher struct {
	block cipher.Block
}

// NewMotionCipher returns the production cipher keyed with the vendor app key.
func NewMotionCipher() *MotionCipher {
	block, _ := aes.NewCipher(appKey) // 16-byte fixed key, cannot fail
	return &MotionCipher{block: block}
}

// NewMotionCipherWithKey returns a MotionCipher keyed with a caller-supplied
// key (16, 24, or 32 bytes).
func NewMotionCipherWithKey(key []byte) (*MotionCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	return &MotionCipher{block: block}, nil
}

// BlockSize returns the AES block size (16 bytes).
func (c *MotionCipher) BlockSize() int { return c.block.BlockSize() }

// Encrypt PKCS#7-pads plain to the block size and encrypts block by block.
func (c *MotionCipher) Encrypt(plain []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad(plain, bs)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		c.block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return out, nil
}

// Decrypt decrypts data block by block and strips the padding.
func (c *MotionCipher) Decrypt(data []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, fmt.Errorf("codec: ciphertext length %d is not a multiple of %d", len(data), bs)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		c.block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return pkcs7Unpad(out, bs)
}

// pkcs7Pad appends 1..bs bytes, each holding the pad length.
func pkcs7Pad(data []byte, bs int) []byte {
	n := bs - len(data)%bs
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// pkcs7Unpad validates and removes the padding appended by pkcs7Pad.
func pkcs7Unpad(data []byte, bs int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > bs || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
