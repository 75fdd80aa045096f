package newebpay

import "github.com/go-faster/jx"

// encodeResult renders r the way the gateway posts it back.
func encodeResult(r *Result) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("Status")
	e.Str(r.Status)
	e.FieldStart("Message")
	e.Str(r.Message)
	e.FieldStart("Result")
	e.ObjStart()
	for _, f := range []struct {
		name  string
		value string
	}{
		{"MerchantID", r.Trade.MerchantID},
		{"TradeNo", r.Trade.TradeNo},
		{"MerchantOrderNo", r.Trade.MerchantOrderNo},
		{"PaymentType", r.Trade.PaymentType},
		{"RespondType", r.Trade.RespondType},
		{"PayTime", r.Trade.PayTime},
		{"IP", r.Trade.IP},
		{"EscrowBank", r.Trade.EscrowBank},
	} {
		e.FieldStart(f.name)
		e.Str(f.value)
	}
	e.FieldStart("Amt")
	e.Int64(r.Trade.Amt)
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}
