// Package vietqr builds the VietQR image URL and the transfer description
// embedded in it.
package vietqr

import (
	"fmt"
	"net/url"

	"github.com/ndthang/vietqr-bridge/internal/payment"
)

// ImageURL renders the img.vietqr.io compact2 QR image for a transfer into
// the given account with the amount and description pre-filled.
func ImageURL(bankBIN, accountNumber string, amount int64, addInfo string) string {
	q := url.Values{}
	q.Set("amount", fmt.Sprintf("%d", amount))
	q.Set("addInfo", addInfo)
	return fmt.Sprintf("https://img.vietqr.io/image/%s-%s-compact2.png?%s", bankBIN, accountNumber, q.Encode())
}

// TransferDescription is what the payer's bank carries over to our side.
// Keep it inside the 25-char field: token first so truncation by the bank
// cuts the label, never the token.
func TransferDescription(orderID int64) string {
	ref := payment.EncodeRef(orderID)
	const label = " chuyen khoan"
	if len(ref)+len(label) > payment.MaxRefLen {
		return ref
	}
	return ref + label
}
