package casso

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedPayload = errors.New("casso: malformed payload")

// Transaction is one validated bank-transaction record out of a delivery.
type Transaction struct {
	Ref         string    `json:"id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	When        time.Time `json:"when"`
	Direction   string    `json:"type"` // IN | OUT
}

// Incoming reports whether the record is a credit to our account. Only
// those are eligible for reconciliation.
func (t Transaction) Incoming() bool { return t.Direction == "IN" }

type webhookBody struct {
	Error int      `json:"error"`
	Data  dataList `json:"data"`
}

// dataList absorbs both shapes Casso has shipped for "data": an array of
// records, or one record as a lone object.
type dataList []json.RawMessage

func (d *dataList) UnmarshalJSON(b []byte) error {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			*d = dataList{json.RawMessage(b)}
			return nil
		}
		break
	}
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*d = dataList(list)
	return nil
}

// flexID tolerates Casso sending transaction ids as either JSON numbers or
// strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type rawTransaction struct {
	ID          flexID `json:"id"`
	Amount      *int64 `json:"amount"`
	Description string `json:"description"`
	When        string `json:"when"`
	Type        string `json:"type"`
}

// ParsePayload validates a webhook body into typed transaction records.
// Records are all-or-nothing: any structurally broken record fails the
// whole parse so half-typed data never reaches the reconciliation policy.
func ParsePayload(body []byte) ([]Transaction, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if wb.Error != 0 {
		return nil, fmt.Errorf("%w: provider error code %d", ErrMalformedPayload, wb.Error)
	}
	if len(wb.Data) == 0 {
		return nil, fmt.Errorf("%w: no transaction data", ErrMalformedPayload)
	}

	out := make([]Transaction, 0, len(wb.Data))
	for i, raw := range wb.Data {
		var rt rawTransaction
		if err := json.Unmarshal(raw, &rt); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedPayload, i, err)
		}
		if rt.ID == "" || rt.Amount == nil {
			return nil, fmt.Errorf("%w: record %d: missing id or amount", ErrMalformedPayload, i)
		}
		tx := Transaction{
			Ref:         string(rt.ID),
			Amount:      *rt.Amount,
			Description: rt.Description,
			Direction:   rt.Type,
		}
		if rt.When != "" {
			if ts, err := time.Parse(time.RFC3339, rt.When); err == nil {
				tx.When = ts
			}
		}
		out = append(out, tx)
	}
	return out, nil
}
