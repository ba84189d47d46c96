// Package vnpay builds and verifies VNPay payment URLs. The gateway signs
// requests with HMAC-SHA512 over the sorted, URL-encoded parameter string
// and reports outcomes through a numeric response code, "00" meaning paid.
package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ResponseSuccess is the vnp_ResponseCode for a successful payment.
const ResponseSuccess = "00"

// IPN acknowledgement codes returned to the gateway.
const (
	IPNOK              = "00"
	IPNOrderNotFound   = "01"
	IPNAlreadyUpdated  = "02"
	IPNInvalidAmount   = "04"
	IPNInvalidChecksum = "97"
	IPNUnknownError    = "99"
)

const (
	version    = "2.1.0"
	command    = "pay"
	timeLayout = "20060102150405"
	// Payment URLs expire 15 minutes after creation.
	expiry = 15 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("vnpay signature mismatch")
	ErrMissingParam     = errors.New("vnpay callback missing required parameter")
)

// Config holds the merchant credentials and endpoints.
type Config struct {
	TmnCode    string `yaml:"tmn_code" env:"TMN_CODE" usage:"Merchant terminal code"`
	HashSecret string `yaml:"hash_secret" env:"HASH_SECRET" usage:"HMAC-SHA512 secret"`
	PayURL     string `yaml:"pay_url" env:"PAY_URL" default:"https://sandbox.vnpayment.vn/paymentv2/vpcpay.html" usage:"Gateway payment endpoint"`
	ReturnURL  string `yaml:"return_url" env:"RETURN_URL" usage:"Default buyer return URL"`
	Locale     string `yaml:"locale" env:"LOCALE" default:"vn" usage:"Payment page locale"`
}

// Gateway builds payment URLs and verifies callbacks for one merchant.
type Gateway struct {
	cfg Config
	now func() time.Time
}

// New creates a Gateway from merchant config.
func New(cfg Config) *Gateway {
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	return &Gateway{cfg: cfg, now: time.Now}
}

// PaymentRequest describes one payment attempt to send to the gateway.
type PaymentRequest struct {
	TxnRef    string
	Amount    decimal.Decimal
	OrderInfo string
	ClientIP  string
	ReturnURL string
}

// PaymentURL builds the signed redirect URL for a payment attempt. The
// amount is sent in minor units (VND x100, per gateway convention).
func (g *Gateway) PaymentURL(req PaymentRequest) (string, error) {
	if req.TxnRef == "" {
		return "", errors.New("empty transaction reference")
	}
	if !req.Amount.IsPositive() {
		return "", errors.New("amount must be positive")
	}
	now := g.now()
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = g.cfg.ReturnURL
	}

	params := map[string]string{
		"vnp_Version":    version,
		"vnp_Command":    command,
		"vnp_TmnCode":    g.cfg.TmnCode,
		"vnp_Amount":     req.Amount.Mul(decimal.NewFromInt(100)).Truncate(0).String(),
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     req.TxnRef,
		"vnp_OrderInfo":  req.OrderInfo,
		"vnp_OrderType":  "other",
		"vnp_Locale":     g.cfg.Locale,
		"vnp_ReturnUrl":  returnURL,
		"vnp_IpAddr":     req.ClientIP,
		"vnp_CreateDate": now.Format(timeLayout),
		"vnp_ExpireDate": now.Add(expiry).Format(timeLayout),
	}

	query := canonicalQuery(params)
	sig := g.sign(query)
	return g.cfg.PayURL + "?" + query + "&vnp_SecureHash=" + sig, nil
}

// Callback is the parsed, signature-verified content of a return or IPN call.
type Callback struct {
	TxnRef       string
	ResponseCode string
	// Amount converted back from the gateway's minor units.
	Amount        decimal.Decimal
	BankCode      string
	TransactionNo string
	OrderInfo     string
	RawQuery      string
}

// Success reports whether the gateway confirmed the payment.
func (c *Callback) Success() bool {
	return c.ResponseCode == ResponseSuccess
}

// VerifyCallback checks the secure hash over the callback parameters and
// parses the fields settlement needs. Signature failure is the only path
// that returns ErrInvalidSignature; callers must treat it as untrusted input.
func (g *Gateway) VerifyCallback(values url.Values) (*Callback, error) {
	receivedHash := values.Get("vnp_SecureHash")
	if receivedHash == "" {
		return nil, errors.Wrap(ErrMissingParam, "vnp_SecureHash")
	}

	params := make(map[string]string, len(values))
	for key := range values {
		if key == "vnp_SecureHash" || key == "vnp_SecureHashType" {
			continue
		}
		params[key] = values.Get(key)
	}

	query := canonicalQuery(params)
	expected := g.sign(query)
	if !hmac.Equal([]byte(strings.ToLower(receivedHash)), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	txnRef := values.Get("vnp_TxnRef")
	if txnRef == "" {
		return nil, errors.Wrap(ErrMissingParam, "vnp_TxnRef")
	}
	rawAmount := values.Get("vnp_Amount")
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingParam, "vnp_Amount %q", rawAmount)
	}

	return &Callback{
		TxnRef:        txnRef,
		ResponseCode:  values.Get("vnp_ResponseCode"),
		Amount:        amount.Div(decimal.NewFromInt(100)),
		BankCode:      values.Get("vnp_BankCode"),
		TransactionNo: values.Get("vnp_TransactionNo"),
		OrderInfo:     values.Get("vnp_OrderInfo"),
		RawQuery:      query,
	}, nil
}

func (g *Gateway) sign(data string) string {
	mac := hmac.New(sha512.New, []byte(g.cfg.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery sorts parameters by name and URL-encodes both names and
// values, matching the string the gateway signs.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}
