package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xenking/cartpay/internal/domain/order"
	"github.com/xenking/cartpay/internal/domain/product"
	"github.com/xenking/cartpay/internal/newebpay"
)

// --- Mock implementations ---

type mockOrders struct {
	mu       sync.Mutex
	orders   map[string]*order.Order
	attempts map[string]string
	paid     int
	getErr   error
}

func (m *mockOrders) Get(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrders) MarkPaid(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if !o.IsPaid {
		now := time.Now()
		o.IsPaid = true
		o.PaidDate = &now
		m.paid++
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrders) AttachMerchantOrderNo(_ context.Context, id, no string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	if o.IsPaid {
		return order.ErrAlreadyPaid
	}
	o.MerchantOrderNo = no
	if m.attempts == nil {
		m.attempts = make(map[string]string)
	}
	m.attempts[no] = id
	return nil
}

func (m *mockOrders) FindByMerchantOrderNo(_ context.Context, no string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[m.attempts[no]]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

type memRegistry struct {
	mu       sync.Mutex
	sessions map[string]Session
	err      error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{sessions: make(map[string]Session)}
}

func (m *memRegistry) Register(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sessions[s.MerchantOrderNo] = *s
	return nil
}

func (m *memRegistry) Lookup(_ context.Context, no string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sessions[no]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *memRegistry) Remove(_ context.Context, no string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, no)
	return nil
}

// --- Helpers ---

const (
	testKey      = "12345678901234567890123456789012"
	testIV       = "1234567890123456"
	testMerchant = "MS12345678"
	testOrderID  = "0f8fad5b-d9cb-469f-a165-70867728950e"
)

type fixture struct {
	svc      *Service
	orders   *mockOrders
	registry *memRegistry
	codec    *newebpay.Codec
	spans    *tracetest.SpanRecorder
	metrics  *sdkmetric.ManualReader
}

func newFixture(t *testing.T, gatewayURL string) *fixture {
	t.Helper()

	codec, err := newebpay.NewCodec(testKey, testIV)
	require.NoError(t, err)

	orders := &mockOrders{orders: map[string]*order.Order{
		testOrderID: {
			ID:         testOrderID,
			Owner:      "alice",
			User:       order.Buyer{Name: "Mei", Email: "mei@example.com", Tel: "0912", Address: "Taipei"},
			Products:   []order.Item{{ProductID: "p1", Qty: 2, Product: product.Product{ID: "p1", Title: "Oolong"}}},
			Total:      decimal.NewFromInt(200),
			FinalTotal: decimal.NewFromInt(100),
		},
	}}
	registry := newMemRegistry()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	svc, err := NewService(orders, registry, codec, Config{
		MerchantID:     testMerchant,
		GatewayURL:     gatewayURL,
		NotifyURL:      "https://shop.example.com/newebpay_notify",
		ReturnURL:      "https://shop.example.com/newebpay_return",
		GatewayTimeout: time.Second,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return time.UnixMilli(1700000000123) }

	return &fixture{svc: svc, orders: orders, registry: registry, codec: codec, spans: spans, metrics: reader}
}

// callback builds a gateway callback for the given merchant order number.
func (f *fixture) callback(status, no string, amt int64) CallbackForm {
	res := &newebpay.Result{
		Status:  status,
		Message: "msg",
		Trade: newebpay.Trade{
			MerchantID:      testMerchant,
			Amt:             amt,
			TradeNo:         "T123",
			MerchantOrderNo: no,
			PaymentType:     "CREDIT",
		},
	}
	enc := f.codec.Encrypt(encodeResult(res))
	return CallbackForm{Status: status, MerchantID: testMerchant, TradeInfo: enc, TradeSha: f.codec.Sha(enc)}
}

// encodeResult renders a callback body in the gateway's JSON shape.
func encodeResult(res *newebpay.Result) []byte {
	b, err := json.Marshal(map[string]any{
		"Status":  res.Status,
		"Message": res.Message,
		"Result": map[string]any{
			"MerchantID":      res.Trade.MerchantID,
			"Amt":             res.Trade.Amt,
			"TradeNo":         res.Trade.TradeNo,
			"MerchantOrderNo": res.Trade.MerchantOrderNo,
			"PaymentType":     res.Trade.PaymentType,
		},
	})
	if err != nil {
		panic(err)
	}
	return b
}

func (f *fixture) callbackCount(t *testing.T, result string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.metrics.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "payment.callbacks" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("result"); ok && v.AsString() == result {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// --- Tests ---

func TestCreateEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "https://gateway.example.com/MPG/mpg_gateway")

	env, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)

	assert.Equal(t, "1700000000123_0f8fad5b", env.MerchantOrderNo)
	assert.Equal(t, int64(100), env.Amt, "amount is the order's final total")
	assert.Equal(t, testMerchant, env.MerchantID)
	assert.Equal(t, "2.0", env.Version)
	assert.Equal(t, "https://gateway.example.com/MPG/mpg_gateway", env.PayGateway)

	ti, err := f.codec.OpenTradeInfo(env.TradeInfo, env.TradeSha)
	require.NoError(t, err)
	assert.Equal(t, env.MerchantOrderNo, ti.MerchantOrderNo)
	assert.Equal(t, int64(100), ti.Amt)
	assert.Equal(t, "mei@example.com", ti.Email)
	assert.Equal(t, "Oolong x2", ti.ItemDesc)
	assert.Equal(t, int64(1700000000), ti.TimeStamp)

	sess, err := f.registry.Lookup(ctx, env.MerchantOrderNo)
	require.NoError(t, err)
	assert.Equal(t, testOrderID, sess.OrderID)
	assert.Equal(t, env.TradeSha, sess.TradeSha)

	o, err := f.orders.FindByMerchantOrderNo(ctx, env.MerchantOrderNo)
	require.NoError(t, err)
	assert.Equal(t, testOrderID, o.ID)
}

func TestCreateEnvelope_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: "missing"})
	assert.ErrorIs(t, err, order.ErrOrderNotFound)

	f.orders.orders[testOrderID].IsPaid = true
	_, err = f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
	assert.ErrorIs(t, err, order.ErrAlreadyPaid)

	var failed int
	for _, s := range f.spans.Ended() {
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestCreateEnvelope_RegistryDownIsNotFatal(t *testing.T) {
	f := newFixture(t, "")
	f.registry.err = errors.New("connection refused")

	env, err := f.svc.CreateEnvelope(context.Background(), EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)
	assert.NotEmpty(t, env.TradeInfo)
}

func TestHandleCallback_PaysOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	env, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)

	form := f.callback(newebpay.StatusSuccess, env.MerchantOrderNo, 100)

	res := f.svc.HandleCallback(ctx, CallbackNotify, form)
	assert.Equal(t, ResultPaid, res.Result)
	require.NotNil(t, res.Order)
	assert.True(t, res.Order.IsPaid)

	_, err = f.registry.Lookup(ctx, env.MerchantOrderNo)
	assert.ErrorIs(t, err, ErrSessionNotFound, "session is removed after settlement")

	res = f.svc.HandleCallback(ctx, CallbackReturn, form)
	assert.Equal(t, ResultAlreadyPaid, res.Result)
	assert.Equal(t, 1, f.orders.paid)

	assert.Equal(t, int64(1), f.callbackCount(t, ResultPaid))
	assert.Equal(t, int64(1), f.callbackCount(t, ResultAlreadyPaid))
}

func TestHandleCallback_FallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	env, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)

	// Simulate eviction or a restart of the registry.
	require.NoError(t, f.registry.Remove(ctx, env.MerchantOrderNo))

	res := f.svc.HandleCallback(ctx, CallbackNotify, f.callback(newebpay.StatusSuccess, env.MerchantOrderNo, 100))
	assert.Equal(t, ResultPaid, res.Result)
	assert.Equal(t, 1, f.orders.paid)
}

func TestHandleCallback_PaysThroughEarlierEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	first, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)

	// The buyer reopens the pay page; a second envelope is issued.
	f.svc.now = func() time.Time { return time.UnixMilli(1700000060123) }
	second, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)
	require.NotEqual(t, first.MerchantOrderNo, second.MerchantOrderNo)

	// The buyer paid with the first one and the notify arrives after its
	// session expired.
	require.NoError(t, f.registry.Remove(ctx, first.MerchantOrderNo))

	res := f.svc.HandleCallback(ctx, CallbackNotify, f.callback(newebpay.StatusSuccess, first.MerchantOrderNo, 100))
	assert.Equal(t, ResultPaid, res.Result)
	assert.Equal(t, 1, f.orders.paid)
	assert.True(t, f.orders.orders[testOrderID].IsPaid)
}

func TestHandleCallback_RegistryErrorFallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	env, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)
	f.registry.err = errors.New("timeout")

	res := f.svc.HandleCallback(ctx, CallbackNotify, f.callback(newebpay.StatusSuccess, env.MerchantOrderNo, 100))
	assert.Equal(t, ResultPaid, res.Result)
}

func TestHandleCallback_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		build func(f *fixture, no string) CallbackForm
		want  string
	}{
		{
			name: "forged check value",
			build: func(f *fixture, no string) CallbackForm {
				form := f.callback(newebpay.StatusSuccess, no, 100)
				form.TradeSha = strings.Repeat("A", 64)
				return form
			},
			want: ResultRejected,
		},
		{
			name: "tampered ciphertext",
			build: func(f *fixture, no string) CallbackForm {
				form := f.callback(newebpay.StatusSuccess, no, 100)
				b := []byte(form.TradeInfo)
				if b[0] == 'a' {
					b[0] = 'b'
				} else {
					b[0] = 'a'
				}
				form.TradeInfo = string(b)
				return form
			},
			want: ResultRejected,
		},
		{
			name: "garbage",
			build: func(*fixture, string) CallbackForm {
				return CallbackForm{TradeInfo: "zz", TradeSha: "zz"}
			},
			want: ResultRejected,
		},
		{
			name: "unknown merchant order no",
			build: func(f *fixture, _ string) CallbackForm {
				return f.callback(newebpay.StatusSuccess, "1_deadbeef", 100)
			},
			want: ResultUnknownOrder,
		},
		{
			name: "gateway declined",
			build: func(f *fixture, no string) CallbackForm {
				return f.callback("MPG03009", no, 100)
			},
			want: ResultDeclined,
		},
		{
			name: "amount mismatch",
			build: func(f *fixture, no string) CallbackForm {
				return f.callback(newebpay.StatusSuccess, no, 1)
			},
			want: ResultAmountMismatch,
		},
		{
			name: "other merchant",
			build: func(f *fixture, no string) CallbackForm {
				res := &newebpay.Result{Status: newebpay.StatusSuccess, Trade: newebpay.Trade{
					MerchantID: "MS0", MerchantOrderNo: no, Amt: 100,
				}}
				enc := f.codec.Encrypt(encodeResult(res))
				return CallbackForm{TradeInfo: enc, TradeSha: f.codec.Sha(enc)}
			},
			want: ResultMerchantMismatch,
		},
		{
			name: "other merchant in form",
			build: func(f *fixture, no string) CallbackForm {
				form := f.callback(newebpay.StatusSuccess, no, 100)
				form.MerchantID = "MS0"
				return form
			},
			want: ResultMerchantMismatch,
		},
		{
			name: "form status cannot override payload",
			build: func(f *fixture, no string) CallbackForm {
				form := f.callback("MPG03009", no, 100)
				form.Status = newebpay.StatusSuccess
				return form
			},
			want: ResultDeclined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			env, err := f.svc.CreateEnvelope(ctx, EnvelopeRequest{OrderID: testOrderID})
			require.NoError(t, err)

			res := f.svc.HandleCallback(ctx, CallbackNotify, tt.build(f, env.MerchantOrderNo))
			assert.Equal(t, tt.want, res.Result)
			assert.Zero(t, f.orders.paid, "order must stay unpaid")
			assert.False(t, f.orders.orders[testOrderID].IsPaid)
			assert.Equal(t, int64(1), f.callbackCount(t, tt.want))
		})
	}
}

func TestSendPayment(t *testing.T) {
	var got url.Values
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>pay here</html>")
	}))
	defer gateway.Close()

	f := newFixture(t, gateway.URL)
	env, err := f.svc.CreateEnvelope(context.Background(), EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)

	resp, err := f.svc.SendPayment(context.Background(), env.TradeInfo, env.TradeSha)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.IsRedirect())
	assert.Equal(t, "<html>pay here</html>", string(resp.Body))
	assert.Contains(t, resp.ContentType, "text/html")

	assert.Equal(t, testMerchant, got.Get("MerchantID"))
	assert.Equal(t, env.TradeInfo, got.Get("TradeInfo"))
	assert.Equal(t, env.TradeSha, got.Get("TradeSha"))
	assert.Equal(t, "2.0", got.Get("Version"))
}

func TestSendPayment_ForwardsRedirect(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://gateway.example.com/checkout/abc", http.StatusFound)
	}))
	defer gateway.Close()

	f := newFixture(t, gateway.URL)
	env, err := f.svc.CreateEnvelope(context.Background(), EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)

	resp, err := f.svc.SendPayment(context.Background(), env.TradeInfo, env.TradeSha)
	require.NoError(t, err)
	assert.True(t, resp.IsRedirect())
	assert.Equal(t, "https://gateway.example.com/checkout/abc", resp.Location)
}

func TestSendPayment_RejectsUnsignedEnvelope(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")

	_, err := f.svc.SendPayment(context.Background(), "abcd", "WRONG")
	var ce *newebpay.CryptoError
	assert.ErrorAs(t, err, &ce)
}

func TestSendPayment_RejectsForeignMerchant(t *testing.T) {
	var hits int
	gateway := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits++ }))
	defer gateway.Close()

	f := newFixture(t, gateway.URL)
	env := f.codec.Seal(newebpay.TradeInfo{
		MerchantID:      "MS0",
		TimeStamp:       1700000000,
		Version:         "2.0",
		RespondType:     newebpay.RespondJSON,
		MerchantOrderNo: "1700000000123_0f8fad5b",
		Amt:             100,
		ItemDesc:        "Oolong x2",
	})

	_, err := f.svc.SendPayment(context.Background(), env.TradeInfo, env.TradeSha)
	var ce *newebpay.CryptoError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrMerchantMismatch)
	assert.Zero(t, hits, "nothing is forwarded")
}

func TestSendPayment_GatewayDown(t *testing.T) {
	gateway := httptest.NewServer(http.NotFoundHandler())
	gateway.Close()

	f := newFixture(t, gateway.URL)
	env, err := f.svc.CreateEnvelope(context.Background(), EnvelopeRequest{OrderID: testOrderID})
	require.NoError(t, err)

	_, err = f.svc.SendPayment(context.Background(), env.TradeInfo, env.TradeSha)
	var ue *UpstreamError
	assert.ErrorAs(t, err, &ue)
}

func TestItemDesc_Truncated(t *testing.T) {
	o := &order.Order{ID: "x"}
	for range 10 {
		o.Products = append(o.Products, order.Item{ProductID: "p", Qty: 1, Product: product.Product{Title: "Jasmine green tea"}})
	}
	assert.Len(t, []rune(itemDesc(o)), maxItemDesc)
}
