package payment

import "github.com/shopspring/decimal"

// DefaultChannels are offered together; the gateway lets the payer pick.
var DefaultChannels = []string{"card", "bank", "bank_transfer", "ussd", "mobile_money"}

const defaultEmail = "customer@example.com"

type InitializeRequest struct {
	Amount      decimal.Decimal // major units, e.g. 25.00
	Currency    string
	Email       string
	CallbackURL string
}

// Session is what the payer needs to complete payment.
type Session struct {
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
	Reference        string `json:"reference"`
}

// Verification is the gateway's view of a transaction. Amount is in minor
// units exactly as the gateway reports it.
type Verification struct {
	Reference string
	Paid      bool
	Amount    int64
	Currency  string
}

// ---- wire format ----

type initializeBody struct {
	Amount      int64    `json:"amount"` // minor units
	Email       string   `json:"email"`
	Currency    string   `json:"currency"`
	Reference   string   `json:"reference"`
	CallbackURL string   `json:"callback_url"`
	Channels    []string `json:"channels"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status          string `json:"status"` // "success", "failed", "abandoned", ...
		Reference       string `json:"reference"`
		Amount          int64  `json:"amount"`
		GatewayResponse string `json:"gateway_response"`
		PaidAt          string `json:"paid_at"`
		Channel         string `json:"channel"`
		Currency        string `json:"currency"`
	} `json:"data"`
}

// MinorUnits converts a major-unit amount to integer minor units (x100,
// half-up).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
