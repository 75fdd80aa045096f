// Package newebpay implements the NewebPay MPG envelope: the TradeInfo
// parameter string, its AES-256-CBC encryption and the TradeSha check value.
package newebpay

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize
)

// CryptoError reports a malformed, undecryptable or unverifiable envelope.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("newebpay %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// ErrCheckValue is wrapped by a CryptoError when TradeSha does not match.
var ErrCheckValue = errors.New("check value mismatch")

// Codec encrypts and signs envelopes under one merchant's HashKey/HashIV.
type Codec struct {
	key   []byte
	iv    []byte
	block cipher.Block
}

// NewCodec creates a Codec. hashKey must be 32 bytes and hashIV 16 bytes.
func NewCodec(hashKey, hashIV string) (*Codec, error) {
	if len(hashKey) != keySize {
		return nil, errors.Errorf("hash key must be %d bytes, got %d", keySize, len(hashKey))
	}
	if len(hashIV) != ivSize {
		return nil, errors.Errorf("hash iv must be %d bytes, got %d", ivSize, len(hashIV))
	}
	block, err := aes.NewCipher([]byte(hashKey))
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	return &Codec{
		key:   []byte(hashKey),
		iv:    []byte(hashIV),
		block: block,
	}, nil
}

// Encrypt pads plain with PKCS#7, encrypts it with AES-CBC and returns
// lower-case hex.
func (c *Codec) Encrypt(plain []byte) string {
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	for i := len(plain); i < len(buf); i++ {
		buf[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(buf, buf)
	return hex.EncodeToString(buf)
}

// Decrypt reverses Encrypt. Padding is not validated; trailing bytes in the
// 0x00-0x20 range are stripped instead, as the gateway pads its responses
// inconsistently.
func (c *Codec) Decrypt(hexCipher string) ([]byte, error) {
	buf, err := hex.DecodeString(strings.TrimSpace(hexCipher))
	if err != nil {
		return nil, &CryptoError{Op: "decode hex", Err: err}
	}
	if len(buf) == 0 || len(buf)%aes.BlockSize != 0 {
		return nil, &CryptoError{
			Op:  "decrypt",
			Err: errors.Errorf("ciphertext length %d is not a positive multiple of %d", len(buf), aes.BlockSize),
		}
	}
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(buf, buf)
	return bytes.TrimRightFunc(buf, func(r rune) bool { return r <= 0x20 }), nil
}

// Sha computes the TradeSha check value for an encrypted TradeInfo.
func (c *Codec) Sha(tradeInfo string) string {
	var b strings.Builder
	b.Grow(len(tradeInfo) + len(c.key) + len(c.iv) + 16)
	b.WriteString("HashKey=")
	b.Write(c.key)
	b.WriteByte('&')
	b.WriteString(tradeInfo)
	b.WriteString("&HashIV=")
	b.Write(c.iv)

	sum := sha256.Sum256([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify recomputes the check value of tradeInfo and compares it with
// tradeSha in constant time. Case is ignored.
func (c *Codec) Verify(tradeInfo, tradeSha string) error {
	want := c.Sha(tradeInfo)
	got := strings.ToUpper(strings.TrimSpace(tradeSha))
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return &CryptoError{Op: "verify", Err: ErrCheckValue}
	}
	return nil
}
