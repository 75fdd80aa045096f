package newebpay

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// RespondJSON asks the gateway to answer callbacks with JSON.
const RespondJSON = "JSON"

// TradeInfo holds the MPG request parameters.
type TradeInfo struct {
	MerchantID      string
	TimeStamp       int64
	Version         string
	RespondType     string
	MerchantOrderNo string
	Amt             int64
	NotifyURL       string
	ReturnURL       string
	ItemDesc        string
	Email           string
}

// Encode renders the parameter string. Field order is part of the wire
// contract. URL and free text fields are escaped like encodeURIComponent.
func (t TradeInfo) Encode() string {
	respond := t.RespondType
	if respond == "" {
		respond = RespondJSON
	}

	var b strings.Builder
	b.WriteString("MerchantID=")
	b.WriteString(t.MerchantID)
	b.WriteString("&TimeStamp=")
	b.WriteString(strconv.FormatInt(t.TimeStamp, 10))
	b.WriteString("&Version=")
	b.WriteString(t.Version)
	b.WriteString("&RespondType=")
	b.WriteString(respond)
	b.WriteString("&MerchantOrderNo=")
	b.WriteString(t.MerchantOrderNo)
	b.WriteString("&Amt=")
	b.WriteString(strconv.FormatInt(t.Amt, 10))
	b.WriteString("&NotifyURL=")
	b.WriteString(escapeComponent(t.NotifyURL))
	b.WriteString("&ReturnURL=")
	b.WriteString(escapeComponent(t.ReturnURL))
	b.WriteString("&ItemDesc=")
	b.WriteString(escapeComponent(t.ItemDesc))
	b.WriteString("&Email=")
	b.WriteString(escapeComponent(t.Email))
	return b.String()
}

// ParseTradeInfo parses a string produced by Encode.
func ParseTradeInfo(s string) (TradeInfo, error) {
	q, err := url.ParseQuery(s)
	if err != nil {
		return TradeInfo{}, errors.Wrap(err, "parse trade info")
	}
	ts, err := strconv.ParseInt(q.Get("TimeStamp"), 10, 64)
	if err != nil {
		return TradeInfo{}, errors.Wrap(err, "parse TimeStamp")
	}
	amt, err := strconv.ParseInt(q.Get("Amt"), 10, 64)
	if err != nil {
		return TradeInfo{}, errors.Wrap(err, "parse Amt")
	}
	return TradeInfo{
		MerchantID:      q.Get("MerchantID"),
		TimeStamp:       ts,
		Version:         q.Get("Version"),
		RespondType:     q.Get("RespondType"),
		MerchantOrderNo: q.Get("MerchantOrderNo"),
		Amt:             amt,
		NotifyURL:       q.Get("NotifyURL"),
		ReturnURL:       q.Get("ReturnURL"),
		ItemDesc:        q.Get("ItemDesc"),
		Email:           q.Get("Email"),
	}, nil
}

// Envelope is what the browser posts to the gateway.
type Envelope struct {
	MerchantID string `json:"MerchantID"`
	TradeInfo  string `json:"TradeInfo"`
	TradeSha   string `json:"TradeSha"`
	Version    string `json:"Version"`
}

// Seal encodes, encrypts and signs t.
func (c *Codec) Seal(t TradeInfo) Envelope {
	enc := c.Encrypt([]byte(t.Encode()))
	return Envelope{
		MerchantID: t.MerchantID,
		TradeInfo:  enc,
		TradeSha:   c.Sha(enc),
		Version:    t.Version,
	}
}

// OpenTradeInfo verifies and decrypts an envelope produced by Seal.
func (c *Codec) OpenTradeInfo(tradeInfo, tradeSha string) (TradeInfo, error) {
	if err := c.Verify(tradeInfo, tradeSha); err != nil {
		return TradeInfo{}, err
	}
	plain, err := c.Decrypt(tradeInfo)
	if err != nil {
		return TradeInfo{}, err
	}
	t, err := ParseTradeInfo(string(plain))
	if err != nil {
		return TradeInfo{}, &CryptoError{Op: "parse", Err: err}
	}
	return t, nil
}

const upperhex = "0123456789ABCDEF"

// escapeComponent mirrors JavaScript's encodeURIComponent: everything except
// ASCII alphanumerics and -_.!~*'() is percent-encoded as UTF-8.
func escapeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if unreservedComponent(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[ch>>4])
		b.WriteByte(upperhex[ch&0x0f])
	}
	return b.String()
}

func unreservedComponent(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	switch ch {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
