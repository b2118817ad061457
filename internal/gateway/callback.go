package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"order-reconciler/internal/models"
)

// Callback providers
const (
	ProviderMpesa   = "mpesa"
	ProviderGeneric = "generic"
)

var (
	// ErrMalformedCallback is returned when a callback body cannot be parsed
	ErrMalformedCallback = errors.New("malformed payment callback")
	// ErrUnknownProvider is returned for a provider with no parser
	ErrUnknownProvider = errors.New("unknown callback provider")
)

// mpesaTimeLayout is the TransactionDate layout, in East Africa Time
const mpesaTimeLayout = "20060102150405"

var eat = time.FixedZone("EAT", 3*60*60)

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []struct {
			Name  string          `json:"Name"`
			Value json.RawMessage `json:"Value"`
		} `json:"Item"`
	} `json:"CallbackMetadata"`
}

type genericCallback struct {
	PaymentRef       string    `json:"payment_ref"`
	Result           string    `json:"result"`
	AmountPaid       int64     `json:"amount_paid"`
	GatewayTimestamp time.Time `json:"gateway_timestamp"`
	ResultDesc       string    `json:"result_desc"`
}

// ParseCallback decodes a raw gateway callback body for provider
func ParseCallback(provider string, raw []byte) (*models.PaymentCallback, error) {
	var (
		cb  *models.PaymentCallback
		err error
	)
	switch strings.ToLower(provider) {
	case ProviderMpesa:
		cb, err = parseMpesa(raw)
	case ProviderGeneric:
		cb, err = parseGeneric(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if err != nil {
		return nil, err
	}
	if cb.PaymentRef == "" {
		return nil, fmt.Errorf("%w: missing payment ref", ErrMalformedCallback)
	}
	cb.Raw = append([]byte(nil), raw...)
	return cb, nil
}

func parseMpesa(raw []byte) (*models.PaymentCallback, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := env.Body.StkCallback
	if stk == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}

	cb := &models.PaymentCallback{
		PaymentRef: stk.CheckoutRequestID,
		Result:     models.PaymentResultFailure,
		ResultDesc: stk.ResultDesc,
	}
	if stk.ResultCode == 0 {
		cb.Result = models.PaymentResultSuccess
	}

	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amount, err := strconv.ParseFloat(scalar(item.Value), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: amount %s", ErrMalformedCallback, item.Value)
			}
			cb.AmountPaid = int64(math.Round(amount))
		case "TransactionDate":
			ts, err := time.ParseInLocation(mpesaTimeLayout, scalar(item.Value), eat)
			if err != nil {
				return nil, fmt.Errorf("%w: transaction date %s", ErrMalformedCallback, item.Value)
			}
			cb.GatewayTimestamp = ts.UTC()
		}
	}
	return cb, nil
}

// scalar returns a JSON number or string value as text
func scalar(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

func parseGeneric(raw []byte) (*models.PaymentCallback, error) {
	var g genericCallback
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	var result models.PaymentResult
	switch strings.ToLower(g.Result) {
	case "success", "succeeded", "0":
		result = models.PaymentResultSuccess
	case "failure", "failed", "cancelled":
		result = models.PaymentResultFailure
	default:
		return nil, fmt.Errorf("%w: result %q", ErrMalformedCallback, g.Result)
	}

	return &models.PaymentCallback{
		PaymentRef:       g.PaymentRef,
		Result:           result,
		AmountPaid:       g.AmountPaid,
		GatewayTimestamp: g.GatewayTimestamp,
		ResultDesc:       g.ResultDesc,
	}, nil
}

// GenericPayload builds a body ParseCallback(ProviderGeneric, ...) accepts
func GenericPayload(ref string, result models.PaymentResult, amount int64, at time.Time) []byte {
	body, _ := json.Marshal(genericCallback{
		PaymentRef:       ref,
		Result:           string(result),
		AmountPaid:       amount,
		GatewayTimestamp: at,
	})
	return body
}

// MpesaPayload builds an STK push callback body, used by the simulator and tests
func MpesaPayload(checkoutID string, resultCode int, amount int64, at time.Time) []byte {
	stk := map[string]any{
		"MerchantRequestID": "sim-" + checkoutID,
		"CheckoutRequestID": checkoutID,
		"ResultCode":        resultCode,
		"ResultDesc":        mpesaResultDesc(resultCode),
	}
	if resultCode == 0 {
		stk["CallbackMetadata"] = map[string]any{
			"Item": []map[string]any{
				{"Name": "Amount", "Value": amount},
				{"Name": "MpesaReceiptNumber", "Value": "SIM" + strconv.FormatInt(at.Unix(), 36)},
				{"Name": "TransactionDate", "Value": json.Number(at.In(eat).Format(mpesaTimeLayout))},
			},
		}
	}
	body, _ := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": stk}})
	return body
}

func mpesaResultDesc(code int) string {
	switch code {
	case 0:
		return "The service request is processed successfully."
	case 1032:
		return "Request cancelled by user"
	case 1037:
		return "DS timeout user cannot be reached"
	}
	return "The balance is insufficient for the transaction."
}
