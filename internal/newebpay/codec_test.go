package newebpay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey = "12345678901234567890123456789012"
	testIV  = "1234567890123456"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey, testIV)
	require.NoError(t, err)
	return c
}

func sampleTradeInfo() TradeInfo {
	return TradeInfo{
		MerchantID:      "MS12345678",
		TimeStamp:       1700000000,
		Version:         "2.0",
		RespondType:     RespondJSON,
		MerchantOrderNo: "1700000000000_abcd1234",
		Amt:             300,
		NotifyURL:       "https://shop.example.com/newebpay_notify",
		ReturnURL:       "https://shop.example.com/newebpay_return?from=mpg",
		ItemDesc:        "烏龍茶 x2 & 抹茶",
		Email:           "mei+test@example.com",
	}
}

func TestNewCodec_KeySizes(t *testing.T) {
	_, err := NewCodec("short", testIV)
	assert.Error(t, err)
	_, err = NewCodec(testKey, "short")
	assert.Error(t, err)
}

func TestTradeInfo_EncodeFieldOrder(t *testing.T) {
	ti := TradeInfo{
		MerchantID:      "MS1",
		TimeStamp:       42,
		Version:         "2.0",
		MerchantOrderNo: "no1",
		Amt:             100,
		NotifyURL:       "https://a.example/n",
		ReturnURL:       "https://a.example/r",
		ItemDesc:        "tea (green) 50% off!",
		Email:           "a b@example.com",
	}

	want := "MerchantID=MS1&TimeStamp=42&Version=2.0&RespondType=JSON&MerchantOrderNo=no1&Amt=100" +
		"&NotifyURL=https%3A%2F%2Fa.example%2Fn&ReturnURL=https%3A%2F%2Fa.example%2Fr" +
		"&ItemDesc=tea%20(green)%2050%25%20off!&Email=a%20b%40example.com"
	assert.Equal(t, want, ti.Encode())
}

func TestEscapeComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcXYZ019", "abcXYZ019"},
		{"-_.!~*'()", "-_.!~*'()"},
		{"a+b", "a%2Bb"},
		{"a b", "a%20b"},
		{"茶", "%E8%8C%B6"},
		{"?&=/:#", "%3F%26%3D%2F%3A%23"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeComponent(tt.in))
		})
	}
}

func TestSeal_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	in := sampleTradeInfo()

	env := c.Seal(in)
	assert.Equal(t, in.MerchantID, env.MerchantID)
	assert.Equal(t, in.Version, env.Version)
	assert.Equal(t, strings.ToLower(env.TradeInfo), env.TradeInfo, "ciphertext is lower-case hex")
	assert.Equal(t, strings.ToUpper(env.TradeSha), env.TradeSha, "check value is upper-case hex")
	assert.Len(t, env.TradeSha, 64)

	out, err := c.OpenTradeInfo(env.TradeInfo, env.TradeSha)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncrypt_MatchesPKCS7CBC(t *testing.T) {
	c := newTestCodec(t)
	plain := []byte("MerchantID=MS1&Amt=1")

	got := c.Encrypt(plain)

	// Independent PKCS#7 + CBC computation.
	block, err := aes.NewCipher([]byte(testKey))
	require.NoError(t, err)
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := append([]byte{}, plain...)
	for range pad {
		buf = append(buf, byte(pad))
	}
	cipher.NewCBCEncrypter(block, []byte(testIV)).CryptBlocks(buf, buf)
	assert.Equal(t, hex.EncodeToString(buf), got)
}

func TestEncrypt_FullBlockGetsExtraPadding(t *testing.T) {
	c := newTestCodec(t)
	got := c.Encrypt([]byte("0123456789abcdef"))
	assert.Len(t, got, 64, "16 bytes of input become two blocks")

	plain, err := c.Decrypt(got)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(plain))
}

func TestSha_Formula(t *testing.T) {
	c := newTestCodec(t)
	sum := sha256.Sum256([]byte("HashKey=" + testKey + "&abc&HashIV=" + testIV))

	got := c.Sha("abc")
	assert.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:])), got)
	assert.NotEqual(t, c.Sha("abd"), got)
	assert.NoError(t, c.Verify("abc", strings.ToLower(got)), "verification ignores case")
}

func TestVerify_SingleByteCorruption(t *testing.T) {
	c := newTestCodec(t)
	env := c.Seal(sampleTradeInfo())

	for i := 0; i < len(env.TradeInfo); i++ {
		corrupted := []byte(env.TradeInfo)
		if corrupted[i] == '0' {
			corrupted[i] = '1'
		} else {
			corrupted[i] = '0'
		}
		err := c.Verify(string(corrupted), env.TradeSha)
		var ce *CryptoError
		require.True(t, errors.As(err, &ce), "byte %d", i)
		require.ErrorIs(t, err, ErrCheckValue)
	}
}

func TestVerify_ForeignKey(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec("abcdefghijabcdefghijabcdefghijab", testIV)
	require.NoError(t, err)

	env := other.Seal(sampleTradeInfo())
	_, err = c.OpenTradeInfo(env.TradeInfo, env.TradeSha)
	assert.ErrorIs(t, err, ErrCheckValue)
}

func TestDecrypt_Malformed(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name  string
		input string
	}{
		{name: "not hex", input: "zz"},
		{name: "odd length", input: "abc"},
		{name: "empty", input: ""},
		{name: "partial block", input: strings.Repeat("ab", 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.input)
			var ce *CryptoError
			assert.True(t, errors.As(err, &ce))
		})
	}
}
