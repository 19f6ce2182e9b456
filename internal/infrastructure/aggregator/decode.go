package aggregator

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

var errNotAnObject = errors.New("record is not a JSON object")

// decodeRecords decodes each raw record on its own so one badly shaped
// record cannot fail the whole response. A record whose fields fail to
// decode keeps its other fields; the failing ones are left at their zero
// value. Records that are not JSON objects are dropped and counted.
func decodeRecords[T any](raws []json.RawMessage) ([]T, int) {
	records := make([]T, 0, len(raws))
	malformed := 0
	for _, raw := range raws {
		rec, err := decodeRecord[T](raw)
		if err != nil {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	return records, malformed
}

func decodeRecord[T any](raw json.RawMessage) (T, error) {
	var rec T
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return rec, errNotAnObject
	}
	if err := json.Unmarshal(raw, &rec); err == nil {
		return rec, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var zero T
		return zero, err
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !fieldDecodes[T](key, fields[key]) {
			delete(fields, key)
		}
	}

	cleaned, err := json.Marshal(fields)
	if err != nil {
		var zero T
		return zero, err
	}
	var out T
	if err := json.Unmarshal(cleaned, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// fieldDecodes reports whether a single field decodes into T on its own.
func fieldDecodes[T any](key string, value json.RawMessage) bool {
	one, err := json.Marshal(map[string]json.RawMessage{key: value})
	if err != nil {
		return false
	}
	var single T
	return json.Unmarshal(one, &single) == nil
}

func (r *AccountsResponse) UnmarshalJSON(b []byte) error {
	var wire struct {
		Accounts  []json.RawMessage `json:"accounts"`
		Item      Item              `json:"item"`
		RequestID string            `json:"request_id"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	r.Accounts, r.Malformed = decodeRecords[Account](wire.Accounts)
	r.Item = wire.Item
	r.RequestID = wire.RequestID
	return nil
}

func (r *HoldingsResponse) UnmarshalJSON(b []byte) error {
	var wire struct {
		Accounts   []json.RawMessage `json:"accounts"`
		Holdings   []json.RawMessage `json:"holdings"`
		Securities []json.RawMessage `json:"securities"`
		RequestID  string            `json:"request_id"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	var accounts, holdings, securities int
	r.Accounts, accounts = decodeRecords[Account](wire.Accounts)
	r.Holdings, holdings = decodeRecords[Holding](wire.Holdings)
	r.Securities, securities = decodeRecords[Security](wire.Securities)
	r.Malformed = accounts + holdings + securities
	r.RequestID = wire.RequestID
	return nil
}

func (r *TransactionsResponse) UnmarshalJSON(b []byte) error {
	var wire struct {
		Accounts          []json.RawMessage `json:"accounts"`
		Transactions      []json.RawMessage `json:"transactions"`
		TotalTransactions int               `json:"total_transactions"`
		RequestID         string            `json:"request_id"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	r.Accounts, _ = decodeRecords[Account](wire.Accounts)
	r.Transactions, r.Malformed = decodeRecords[Transaction](wire.Transactions)
	r.TotalTransactions = wire.TotalTransactions
	r.RequestID = wire.RequestID
	return nil
}
