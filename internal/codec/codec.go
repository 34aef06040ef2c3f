package codec

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrNoCipher is returned when a Codec with no established cipher is asked to
// transform data.
var ErrNoCipher = errors.New("codec: cipher not established")

// Codec converts between the plaintext hex command string and the encrypted
// payload exchanged over the air. The plaintext handed to the cipher is the
// raw byte sequence of the command string itself, case preserved, so
// Decrypt(Encrypt(s)) == s for any command text.
type Codec struct {
	cipher Cipher
}

// New returns a Codec using the given cipher.
func New(cipher Cipher) *Codec {
	return &Codec{cipher: cipher}
}

// NewDefault returns a Codec using the production vendor cipher.
func NewDefault() *Codec {
	return New(NewMotionCipher())
}

// Encrypt encrypts a raw command string into the payload written to the
// device.
func (c *Codec) Encrypt(raw string) ([]byte, error) {
	if c.cipher == nil {
		return nil, ErrNoCipher
	}
	return c.cipher.Encrypt([]byte(raw))
}

// Decrypt inverts Encrypt for a received notification payload. It fails when
// no cipher is established, when the payload length is not a whole number of
// cipher blocks, or when the padding is invalid.
func (c *Codec) Decrypt(data []byte) (string, error) {
	if c.cipher == nil {
		return "", ErrNoCipher
	}
	if bs := c.cipher.BlockSize(); bs > 0 && (len(data) == 0 || len(data)%bs != 0) {
		return "", fmt.Errorf("codec: payload length %d is not a multiple of %d", len(data), bs)
	}
	plain, err := c.cipher.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// FormatHexNum renders a non-negative value as the fixed-width hex text the
// firmware expects: two characters for plain fields (8-bit values such as
// month or second), four for prefixed fields (16-bit values such as
// milliseconds). Values already wider than the field pass through unchanged.
func FormatHexNum(value int, prefix bool) string {
	s := strconv.FormatInt(int64(value), 16)
	switch {
	case len(s) == 1 && !prefix:
		return "0" + s
	case len(s) == 1:
		return "000" + s
	case len(s) == 2 && prefix:
		return "00" + s
	case len(s) == 3:
		return "0" + s
	default:
		return s
	}
}
