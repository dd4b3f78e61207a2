package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func rawEvent(t *testing.T, moveType string, payload string) RawEvent {
	t.Helper()
	raw := RawEvent{
		Type:        moveType,
		TimestampMs: 1700000000000,
		Checkpoint:  42,
		ParsedJSON:  json.RawMessage(payload),
	}
	raw.ID.TxDigest = "9WzSXdbKjiFkuzWQZpTbYRGXjSUvppMSrJErHbWuqwCk"
	raw.ID.EventSeq = "3"
	return raw
}

func TestDecodePositionOpened(t *testing.T) {
	raw := rawEvent(t, "0xabc::perp_core::PositionOpened", `{
		"position_id": "0x01",
		"owner": "0xAB",
		"market_id": "BTC-PERP",
		"size": "2000000",
		"collateral": "300000000",
		"entry_price": "3000000000",
		"direction": 0,
		"timestamp": "1700000000000"
	}`)

	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != EventPositionOpened {
		t.Fatalf("kind mismatch: %s", ev.Kind)
	}
	if ev.Key() != "9WzSXdbKjiFkuzWQZpTbYRGXjSUvppMSrJErHbWuqwCk:3" {
		t.Fatalf("key mismatch: %s", ev.Key())
	}

	opened := ev.Opened
	if opened == nil {
		t.Fatal("opened payload is nil")
	}
	if opened.Owner != "0xab" {
		t.Fatalf("owner not lowercased: %s", opened.Owner)
	}
	if opened.Side != Long {
		t.Fatalf("side mismatch: %s", opened.Side)
	}
	if !opened.Size.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("size scale mismatch: %s", opened.Size)
	}
	if !opened.EntryPrice.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("entry price scale mismatch: %s", opened.EntryPrice)
	}
}

func TestDecodePositionClosedLossSign(t *testing.T) {
	raw := rawEvent(t, "0xabc::perp_core::PositionClosed", `{
		"position_id": "0x01",
		"owner": "0xab",
		"market_id": "BTC-PERP",
		"close_price": "2900000000",
		"size": "2000000",
		"collateral_returned": "100000000",
		"pnl": "200000000",
		"is_profit": false
	}`)

	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != EventPositionClosed {
		t.Fatalf("kind mismatch: %s", ev.Kind)
	}
	if !ev.Closed.PnL.Equal(decimal.NewFromInt(-200)) {
		t.Fatalf("loss should be negative: %s", ev.Closed.PnL)
	}
}

func TestDecodePositionLiquidated(t *testing.T) {
	raw := rawEvent(t, "0xabc::perp_core::PositionLiquidated", `{
		"position_id": "0x01",
		"owner": "0xAB",
		"liquidator": "0xCD",
		"market_id": "BTC-PERP",
		"size": "2000000",
		"collateral": "300000000",
		"pnl": "300000000",
		"amount_returned_to_liquidator": "15000000",
		"timestamp": "1700000000000"
	}`)

	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != EventPositionLiquidated {
		t.Fatalf("kind mismatch: %s", ev.Kind)
	}
	if ev.Liquidated.Liquidator != "0xcd" {
		t.Fatalf("liquidator mismatch: %s", ev.Liquidated.Liquidator)
	}
	if !ev.Liquidated.AmountToLiquidator.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("reward mismatch: %s", ev.Liquidated.AmountToLiquidator)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw := rawEvent(t, "0xabc::perp_core::FeeCollected", `{"amount": "1"}`)

	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("unknown type should not error: %v", err)
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("kind mismatch: %s", ev.Kind)
	}
	if ev.Opened != nil || ev.Closed != nil || ev.Liquidated != nil || ev.Updated != nil {
		t.Fatal("unknown event must carry no payload")
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	raw := rawEvent(t, "0xabc::perp_core::PositionOpened", `{
		"position_id": "0x01",
		"market_id": "BTC-PERP",
		"size": "not-a-number",
		"collateral": "1",
		"entry_price": "1",
		"direction": 0
	}`)

	ev, err := DecodeEvent(raw)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("malformed payload must map to the unknown variant, got %s", ev.Kind)
	}
}

func TestDecodeMissingPositionID(t *testing.T) {
	raw := rawEvent(t, "0xabc::perp_core::PositionClosed", `{
		"owner": "0xab",
		"market_id": "BTC-PERP",
		"close_price": "1",
		"size": "1",
		"collateral_returned": "0",
		"pnl": "0",
		"is_profit": true
	}`)

	if _, err := DecodeEvent(raw); err == nil {
		t.Fatal("expected error for missing position_id")
	}
}
