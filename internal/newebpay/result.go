package newebpay

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// StatusSuccess is the gateway status of a settled trade.
const StatusSuccess = "SUCCESS"

// Result is a decrypted callback body.
type Result struct {
	Status  string
	Message string
	Trade   Trade
}

// Trade is the Result object of a callback.
type Trade struct {
	MerchantID      string
	Amt             int64
	TradeNo         string
	MerchantOrderNo string
	PaymentType     string
	RespondType     string
	PayTime         string
	IP              string
	EscrowBank      string
}

// Success reports whether the gateway settled the trade.
func (r *Result) Success() bool {
	return r.Status == StatusSuccess
}

// OpenResult verifies and decrypts a callback. Every failure is a
// *CryptoError.
func (c *Codec) OpenResult(tradeInfo, tradeSha string) (*Result, error) {
	if err := c.Verify(tradeInfo, tradeSha); err != nil {
		return nil, err
	}
	plain, err := c.Decrypt(tradeInfo)
	if err != nil {
		return nil, err
	}
	r, err := ParseResult(plain)
	if err != nil {
		return nil, &CryptoError{Op: "parse", Err: err}
	}
	return r, nil
}

// ParseResult decodes a callback JSON document. The gateway sends Result
// either as an object or as a JSON-encoded string, and numbers either raw or
// quoted; both forms are accepted.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "Status":
			r.Status, err = d.Str()
		case "Message":
			r.Message, err = d.Str()
		case "Result":
			err = decodeTrade(d, &r.Trade)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode result")
	}
	if r.Status == "" {
		return nil, errors.New("result has no Status")
	}
	return &r, nil
}

func decodeTrade(d *jx.Decoder, t *Trade) error {
	switch d.Next() {
	case jx.Null:
		return d.Null()
	case jx.String:
		raw, err := d.Str()
		if err != nil {
			return err
		}
		if raw == "" {
			return nil
		}
		return decodeTrade(jx.DecodeStr(raw), t)
	}

	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "MerchantID":
			t.MerchantID, err = scalar(d)
		case "Amt":
			var s string
			if s, err = scalar(d); err == nil && s != "" {
				t.Amt, err = strconv.ParseInt(s, 10, 64)
			}
		case "TradeNo":
			t.TradeNo, err = scalar(d)
		case "MerchantOrderNo":
			t.MerchantOrderNo, err = scalar(d)
		case "PaymentType":
			t.PaymentType, err = scalar(d)
		case "RespondType":
			t.RespondType, err = scalar(d)
		case "PayTime":
			t.PayTime, err = scalar(d)
		case "IP":
			t.IP, err = scalar(d)
		case "EscrowBank":
			t.EscrowBank, err = scalar(d)
		default:
			err = d.Skip()
		}
		return err
	})
}

// scalar reads a string or number as its textual form.
func scalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return d.Str()
	}
}
