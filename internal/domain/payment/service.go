package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/cartpay/internal/domain/order"
	"github.com/xenking/cartpay/internal/newebpay"
)

const (
	// maxGatewayBody bounds how much of a gateway response is relayed.
	maxGatewayBody = 1 << 20
	// maxItemDesc is the gateway's ItemDesc limit.
	maxItemDesc = 50
)

// ErrMerchantMismatch is wrapped by a newebpay.CryptoError when an envelope
// was sealed for another merchant.
var ErrMerchantMismatch = errors.New("envelope issued for another merchant")

// UpstreamError reports a failed or timed out gateway call.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("payment gateway: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Orders is the part of the order ledger payments depend on.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	MarkPaid(ctx context.Context, id string) (*order.Order, error)
	AttachMerchantOrderNo(ctx context.Context, id, merchantOrderNo string) error
	FindByMerchantOrderNo(ctx context.Context, merchantOrderNo string) (*order.Order, error)
}

// Config holds merchant settings and telemetry.
type Config struct {
	MerchantID string
	Version    string
	GatewayURL string
	NotifyURL  string
	ReturnURL  string

	// HTTPClient sends envelopes to the gateway. Its redirect policy is
	// replaced so that redirects reach the caller.
	HTTPClient     *http.Client
	GatewayTimeout time.Duration

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Service issues payment envelopes and settles orders from gateway callbacks.
type Service struct {
	cfg      Config
	orders   Orders
	registry Registry
	codec    *newebpay.Codec
	client   *http.Client
	now      func() time.Time

	tracer    trace.Tracer
	callbacks metric.Int64Counter
}

// NewService creates a payment Service.
func NewService(orders Orders, registry Registry, codec *newebpay.Codec, cfg Config) (*Service, error) {
	if cfg.Version == "" {
		cfg.Version = "2.0"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = nooptrace.NewTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = noop.NewMeterProvider()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	client := *base
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	callbacks, err := cfg.MeterProvider.Meter("cartpay/payment").Int64Counter("payment.callbacks",
		metric.WithDescription("Gateway callbacks by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create callbacks counter")
	}

	return &Service{
		cfg:       cfg,
		orders:    orders,
		registry:  registry,
		codec:     codec,
		client:    &client,
		now:       time.Now,
		tracer:    cfg.TracerProvider.Tracer("cartpay/payment"),
		callbacks: callbacks,
	}, nil
}

// EnvelopeRequest selects the order to pay. Email and ItemDesc default to the
// order's buyer email and product titles.
type EnvelopeRequest struct {
	OrderID  string
	Email    string
	ItemDesc string
}

// Envelope is handed to the browser, which posts it to PayGateway.
type Envelope struct {
	MerchantID      string `json:"MerchantID"`
	TradeInfo       string `json:"TradeInfo"`
	TradeSha        string `json:"TradeSha"`
	Version         string `json:"Version"`
	PayGateway      string `json:"PayGateWay"`
	MerchantOrderNo string `json:"MerchantOrderNo"`
	Amt             int64  `json:"Amt"`
}

// CreateEnvelope builds a signed envelope for an unpaid order. The amount is
// always the order's final total.
func (s *Service) CreateEnvelope(ctx context.Context, req EnvelopeRequest) (_ *Envelope, rerr error) {
	ctx, span := s.tracer.Start(ctx, "payment.CreateEnvelope",
		trace.WithAttributes(attribute.String("order.id", req.OrderID)),
	)
	defer func() { endSpan(span, rerr) }()

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsPaid {
		return nil, order.ErrAlreadyPaid
	}

	now := s.now()
	no := merchantOrderNo(now, o.ID)
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = o.User.Email
	}
	desc := strings.TrimSpace(req.ItemDesc)
	if desc == "" {
		desc = itemDesc(o)
	}
	amt := o.FinalTotal.Round(0).IntPart()

	env := s.codec.Seal(newebpay.TradeInfo{
		MerchantID:      s.cfg.MerchantID,
		TimeStamp:       now.Unix(),
		Version:         s.cfg.Version,
		RespondType:     newebpay.RespondJSON,
		MerchantOrderNo: no,
		Amt:             amt,
		NotifyURL:       s.cfg.NotifyURL,
		ReturnURL:       s.cfg.ReturnURL,
		ItemDesc:        desc,
		Email:           email,
	})

	if err := s.orders.AttachMerchantOrderNo(ctx, o.ID, no); err != nil {
		return nil, errors.Wrap(err, "attach merchant order no")
	}
	if err := s.registry.Register(ctx, &Session{
		MerchantOrderNo: no,
		OrderID:         o.ID,
		TradeInfo:       env.TradeInfo,
		TradeSha:        env.TradeSha,
		Amount:          amt,
		CreatedAt:       now,
	}); err != nil {
		// The ledger already knows the number; callbacks still resolve.
		zctx.From(ctx).Warn("Register payment session",
			zap.String("merchant_order_no", no),
			zap.Error(err),
		)
	}

	span.SetAttributes(attribute.String("payment.merchant_order_no", no))
	zctx.From(ctx).Info("Payment envelope issued",
		zap.String("order_id", o.ID),
		zap.String("merchant_order_no", no),
		zap.Int64("amt", amt),
	)
	return &Envelope{
		MerchantID:      env.MerchantID,
		TradeInfo:       env.TradeInfo,
		TradeSha:        env.TradeSha,
		Version:         env.Version,
		PayGateway:      s.cfg.GatewayURL,
		MerchantOrderNo: no,
		Amt:             amt,
	}, nil
}

// GatewayResponse is relayed to the client as is. Redirects carry Location.
type GatewayResponse struct {
	StatusCode  int
	Location    string
	ContentType string
	Body        []byte
}

// IsRedirect reports whether the gateway answered with a redirect.
func (r *GatewayResponse) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Location != ""
}

// SendPayment posts an envelope to the gateway. The envelope must carry a
// valid check value and decrypt to trade info for this merchant.
func (s *Service) SendPayment(ctx context.Context, tradeInfo, tradeSha string) (_ *GatewayResponse, rerr error) {
	ctx, span := s.tracer.Start(ctx, "payment.SendPayment")
	defer func() { endSpan(span, rerr) }()

	ti, err := s.codec.OpenTradeInfo(tradeInfo, tradeSha)
	if err != nil {
		return nil, err
	}
	if ti.MerchantID != s.cfg.MerchantID {
		return nil, &newebpay.CryptoError{Op: "open", Err: ErrMerchantMismatch}
	}
	span.SetAttributes(attribute.String("payment.merchant_order_no", ti.MerchantOrderNo))

	form := url.Values{
		"MerchantID": {s.cfg.MerchantID},
		"TradeInfo":  {tradeInfo},
		"TradeSha":   {tradeSha},
		"Version":    {s.cfg.Version},
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build gateway request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
	if err != nil {
		return nil, &UpstreamError{Err: errors.Wrap(err, "read response")}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return &GatewayResponse{
		StatusCode:  resp.StatusCode,
		Location:    resp.Header.Get("Location"),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// CallbackKind distinguishes the browser return from the server notify.
type CallbackKind string

const (
	CallbackReturn CallbackKind = "return"
	CallbackNotify CallbackKind = "notify"
)

// Callback outcomes, recorded as the result attribute of payment.callbacks.
const (
	ResultPaid             = "paid"
	ResultAlreadyPaid      = "already_paid"
	ResultRejected         = "rejected"
	ResultUnknownOrder     = "unknown_order"
	ResultDeclined         = "declined"
	ResultAmountMismatch   = "amount_mismatch"
	ResultMerchantMismatch = "merchant_mismatch"
	ResultError            = "error"
)

// CallbackForm holds the posted callback fields.
type CallbackForm struct {
	Status     string
	MerchantID string
	TradeInfo  string
	TradeSha   string
}

// CallbackResult describes what a callback did. Order is set when the
// callback was correlated with an order.
type CallbackResult struct {
	Result string
	Order  *order.Order
}

// HandleCallback authenticates a gateway callback and settles the order it
// refers to. It never fails: every rejection is logged, counted and reported
// through the result.
func (s *Service) HandleCallback(ctx context.Context, kind CallbackKind, form CallbackForm) CallbackResult {
	ctx, span := s.tracer.Start(ctx, "payment.HandleCallback",
		trace.WithAttributes(attribute.String("payment.callback", string(kind))),
	)
	defer span.End()

	res := s.handleCallback(ctx, form)
	span.SetAttributes(attribute.String("payment.result", res.Result))
	s.callbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("result", res.Result),
	))
	return res
}

func (s *Service) handleCallback(ctx context.Context, form CallbackForm) CallbackResult {
	lg := zctx.From(ctx)

	result, err := s.codec.OpenResult(form.TradeInfo, form.TradeSha)
	if err != nil {
		lg.Warn("Rejected payment callback", zap.Error(err))
		return CallbackResult{Result: ResultRejected}
	}
	trade := result.Trade
	lg = lg.With(zap.String("merchant_order_no", trade.MerchantOrderNo))

	for _, id := range []string{form.MerchantID, trade.MerchantID} {
		if id != "" && id != s.cfg.MerchantID {
			lg.Warn("Payment callback for another merchant", zap.String("merchant_id", id))
			return CallbackResult{Result: ResultMerchantMismatch}
		}
	}
	if form.Status != "" && form.Status != result.Status {
		// The encrypted status wins.
		lg.Warn("Payment callback status differs from payload",
			zap.String("form_status", form.Status),
			zap.String("status", result.Status),
		)
	}

	o, err := s.correlate(ctx, trade.MerchantOrderNo)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			lg.Warn("Payment callback for unknown order")
			return CallbackResult{Result: ResultUnknownOrder}
		}
		lg.Error("Correlate payment callback", zap.Error(err))
		return CallbackResult{Result: ResultError}
	}
	lg = lg.With(zap.String("order_id", o.ID))

	if !result.Success() {
		lg.Warn("Gateway declined payment",
			zap.String("status", result.Status),
			zap.String("message", result.Message),
		)
		return CallbackResult{Result: ResultDeclined, Order: o}
	}
	if want := o.FinalTotal.Round(0).IntPart(); trade.Amt != want {
		lg.Warn("Payment amount mismatch", zap.Int64("amt", trade.Amt), zap.Int64("want", want))
		return CallbackResult{Result: ResultAmountMismatch, Order: o}
	}
	if o.IsPaid {
		return CallbackResult{Result: ResultAlreadyPaid, Order: o}
	}

	paid, err := s.orders.MarkPaid(ctx, o.ID)
	if err != nil {
		lg.Error("Mark order paid", zap.Error(err))
		return CallbackResult{Result: ResultError, Order: o}
	}
	if err := s.registry.Remove(ctx, trade.MerchantOrderNo); err != nil {
		lg.Warn("Remove payment session", zap.Error(err))
	}
	lg.Info("Order paid through gateway", zap.String("trade_no", trade.TradeNo))
	return CallbackResult{Result: ResultPaid, Order: paid}
}

// correlate resolves a merchant order number through the registry and falls
// back to the ledger on a miss.
func (s *Service) correlate(ctx context.Context, no string) (*order.Order, error) {
	if no == "" {
		return nil, order.ErrOrderNotFound
	}
	sess, err := s.registry.Lookup(ctx, no)
	switch {
	case err == nil:
		return s.orders.Get(ctx, sess.OrderID)
	case errors.Is(err, ErrSessionNotFound):
	default:
		zctx.From(ctx).Warn("Payment session lookup failed", zap.Error(err))
	}
	return s.orders.FindByMerchantOrderNo(ctx, no)
}

// merchantOrderNo is unique per envelope and stays within the gateway's
// 30 character limit.
func merchantOrderNo(now time.Time, orderID string) string {
	short := strings.ReplaceAll(orderID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + short
}

func itemDesc(o *order.Order) string {
	var b bytes.Buffer
	for i, it := range o.Products {
		if i > 0 {
			b.WriteString(", ")
		}
		title := it.Product.Title
		if title == "" {
			title = it.ProductID
		}
		fmt.Fprintf(&b, "%s x%d", title, it.Qty)
	}
	if b.Len() == 0 {
		return "Order " + o.ID
	}
	if r := []rune(b.String()); len(r) > maxItemDesc {
		return string(r[:maxItemDesc])
	}
	return b.String()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
