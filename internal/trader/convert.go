package trader

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FloatToString renders a float as a plain fixed-point string. Exchange
// APIs reject scientific notation, so 1e-8 must arrive as "0.00000001".
func FloatToString(f float64) string {
	return decimal.NewFromFloat(f).String()
}

// NewClientOrderID mints a UUID1 with the dashes stripped, the widest
// format exchanges accept for client-assigned order ids.
func NewClientOrderID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
