package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags the decoded variant of a chain event.
type EventKind string

const (
	EventPositionOpened     EventKind = "PositionOpened"
	EventPositionClosed     EventKind = "PositionClosed"
	EventPositionLiquidated EventKind = "PositionLiquidated"
	EventPositionUpdated    EventKind = "PositionUpdated"
	EventUnknown            EventKind = "Unknown"
)

// contractScale is the fixed-point scale of on-chain amounts (price * 10^6).
var contractScale = decimal.New(1, 6)

// RawEvent is the wire representation of a chain event as returned by the
// node. Amounts inside ParsedJSON are integer strings at contract scale.
type RawEvent struct {
	ID struct {
		TxDigest string `json:"txDigest"`
		EventSeq string `json:"eventSeq"`
	} `json:"id"`
	Type        string          `json:"type"`
	Sender      string          `json:"sender"`
	TimestampMs int64           `json:"timestampMs,string"`
	Checkpoint  uint64          `json:"checkpoint,string"`
	ParsedJSON  json.RawMessage `json:"parsedJson"`
}

// ChainEvent is the tagged variant decoded once at the ingestion boundary.
// Exactly one payload pointer matching Kind is non-nil; EventUnknown
// carries none.
type ChainEvent struct {
	TxDigest   string
	EventSeq   uint64
	Checkpoint uint64
	Type       string
	Timestamp  time.Time

	Kind       EventKind
	Opened     *PositionOpenedData
	Closed     *PositionClosedData
	Liquidated *PositionLiquidatedData
	Updated    *PositionUpdatedData
}

// Key is the idempotency key: tx digest plus event sequence.
func (e ChainEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxDigest, e.EventSeq)
}

// DecodeError records a payload that could not be decoded.
type DecodeError struct {
	TxDigest   string `json:"tx_digest"`
	EventSeq   uint64 `json:"event_seq"`
	Checkpoint uint64 `json:"checkpoint"`
	Type       string `json:"type"`
	Error      string `json:"error"`
}

// DecodeEvent maps a raw node event into the tagged variant. Unrecognized
// move types yield Kind=EventUnknown with a nil error; a recognized type
// with a malformed payload yields Kind=EventUnknown plus the decode error
// so the caller can log and skip it without halting the batch.
func DecodeEvent(raw RawEvent) (ChainEvent, error) {
	ev := ChainEvent{
		TxDigest:   raw.ID.TxDigest,
		Checkpoint: raw.Checkpoint,
		Type:       raw.Type,
		Timestamp:  time.UnixMilli(raw.TimestampMs).UTC(),
		Kind:       EventUnknown,
	}

	if raw.ID.EventSeq != "" {
		seq, err := strconv.ParseUint(raw.ID.EventSeq, 10, 64)
		if err != nil {
			return ev, fmt.Errorf("parse event seq %q: %w", raw.ID.EventSeq, err)
		}
		ev.EventSeq = seq
	}

	kind := kindFromType(raw.Type)
	if kind == EventUnknown {
		return ev, nil
	}

	var err error
	switch kind {
	case EventPositionOpened:
		ev.Opened, err = decodeOpened(raw.ParsedJSON)
	case EventPositionClosed:
		ev.Closed, err = decodeClosed(raw.ParsedJSON)
	case EventPositionLiquidated:
		ev.Liquidated, err = decodeLiquidated(raw.ParsedJSON)
	case EventPositionUpdated:
		ev.Updated, err = decodeUpdated(raw.ParsedJSON)
	}
	if err != nil {
		return ev, fmt.Errorf("decode %s: %w", kind, err)
	}

	ev.Kind = kind
	return ev, nil
}

func kindFromType(moveType string) EventKind {
	idx := strings.LastIndex(moveType, "::")
	if idx < 0 {
		return EventUnknown
	}
	switch moveType[idx+2:] {
	case "PositionOpened":
		return EventPositionOpened
	case "PositionClosed":
		return EventPositionClosed
	case "PositionLiquidated":
		return EventPositionLiquidated
	case "PositionUpdated":
		return EventPositionUpdated
	default:
		return EventUnknown
	}
}

type rawAmount string

func (a rawAmount) decimal() (decimal.Decimal, error) {
	if a == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(string(a))
	if err != nil {
		return decimal.Zero, err
	}
	return d.Div(contractScale), nil
}

func sideFromDirection(direction int) Side {
	if direction == 0 {
		return Long
	}
	return Short
}

func decodeOpened(payload json.RawMessage) (*PositionOpenedData, error) {
	var p struct {
		PositionID string    `json:"position_id"`
		Owner      string    `json:"owner"`
		MarketID   string    `json:"market_id"`
		Size       rawAmount `json:"size"`
		Collateral rawAmount `json:"collateral"`
		EntryPrice rawAmount `json:"entry_price"`
		Direction  int       `json:"direction"`
		Timestamp  int64     `json:"timestamp,string"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.PositionID == "" || p.MarketID == "" {
		return nil, fmt.Errorf("missing position_id or market_id")
	}

	size, err := p.Size.decimal()
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	collateral, err := p.Collateral.decimal()
	if err != nil {
		return nil, fmt.Errorf("collateral: %w", err)
	}
	entry, err := p.EntryPrice.decimal()
	if err != nil {
		return nil, fmt.Errorf("entry_price: %w", err)
	}

	return &PositionOpenedData{
		PositionID: p.PositionID,
		Owner:      strings.ToLower(p.Owner),
		MarketID:   p.MarketID,
		Side:       sideFromDirection(p.Direction),
		Size:       size,
		Collateral: collateral,
		EntryPrice: entry,
		Timestamp:  time.UnixMilli(p.Timestamp).UTC(),
	}, nil
}

func decodeClosed(payload json.RawMessage) (*PositionClosedData, error) {
	var p struct {
		PositionID         string    `json:"position_id"`
		Owner              string    `json:"owner"`
		MarketID           string    `json:"market_id"`
		ClosePrice         rawAmount `json:"close_price"`
		Size               rawAmount `json:"size"`
		CollateralReturned rawAmount `json:"collateral_returned"`
		PnL                rawAmount `json:"pnl"`
		IsProfit           bool      `json:"is_profit"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.PositionID == "" {
		return nil, fmt.Errorf("missing position_id")
	}

	closePrice, err := p.ClosePrice.decimal()
	if err != nil {
		return nil, fmt.Errorf("close_price: %w", err)
	}
	size, err := p.Size.decimal()
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	returned, err := p.CollateralReturned.decimal()
	if err != nil {
		return nil, fmt.Errorf("collateral_returned: %w", err)
	}
	pnl, err := p.PnL.decimal()
	if err != nil {
		return nil, fmt.Errorf("pnl: %w", err)
	}
	if !p.IsProfit {
		pnl = pnl.Neg()
	}

	return &PositionClosedData{
		PositionID:         p.PositionID,
		Owner:              strings.ToLower(p.Owner),
		MarketID:           p.MarketID,
		ClosePrice:         closePrice,
		Size:               size,
		CollateralReturned: returned,
		PnL:                pnl,
		IsProfit:           p.IsProfit,
	}, nil
}

func decodeLiquidated(payload json.RawMessage) (*PositionLiquidatedData, error) {
	var p struct {
		PositionID         string    `json:"position_id"`
		Owner              string    `json:"owner"`
		Liquidator         string    `json:"liquidator"`
		MarketID           string    `json:"market_id"`
		Size               rawAmount `json:"size"`
		Collateral         rawAmount `json:"collateral"`
		PnL                rawAmount `json:"pnl"`
		AmountToLiquidator rawAmount `json:"amount_returned_to_liquidator"`
		Timestamp          int64     `json:"timestamp,string"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.PositionID == "" {
		return nil, fmt.Errorf("missing position_id")
	}

	size, err := p.Size.decimal()
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	collateral, err := p.Collateral.decimal()
	if err != nil {
		return nil, fmt.Errorf("collateral: %w", err)
	}
	pnl, err := p.PnL.decimal()
	if err != nil {
		return nil, fmt.Errorf("pnl: %w", err)
	}

	reward := decimal.Zero
	if p.AmountToLiquidator != "" {
		reward, err = p.AmountToLiquidator.decimal()
		if err != nil {
			return nil, fmt.Errorf("amount_returned_to_liquidator: %w", err)
		}
	}

	return &PositionLiquidatedData{
		PositionID:         p.PositionID,
		Owner:              strings.ToLower(p.Owner),
		Liquidator:         strings.ToLower(p.Liquidator),
		MarketID:           p.MarketID,
		Size:               size,
		Collateral:         collateral,
		PnL:                pnl,
		AmountToLiquidator: reward,
		Timestamp:          time.UnixMilli(p.Timestamp).UTC(),
	}, nil
}

func decodeUpdated(payload json.RawMessage) (*PositionUpdatedData, error) {
	var p struct {
		PositionID    string    `json:"position_id"`
		Owner         string    `json:"owner"`
		MarketID      string    `json:"market_id"`
		NewSize       rawAmount `json:"new_size"`
		NewCollateral rawAmount `json:"new_collateral"`
		NewEntryPrice rawAmount `json:"new_entry_price"`
		Direction     int       `json:"direction"`
		Timestamp     int64     `json:"timestamp,string"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.PositionID == "" {
		return nil, fmt.Errorf("missing position_id")
	}

	size, err := p.NewSize.decimal()
	if err != nil {
		return nil, fmt.Errorf("new_size: %w", err)
	}
	collateral, err := p.NewCollateral.decimal()
	if err != nil {
		return nil, fmt.Errorf("new_collateral: %w", err)
	}
	entry, err := p.NewEntryPrice.decimal()
	if err != nil {
		return nil, fmt.Errorf("new_entry_price: %w", err)
	}

	return &PositionUpdatedData{
		PositionID:    p.PositionID,
		Owner:         strings.ToLower(p.Owner),
		MarketID:      p.MarketID,
		Side:          sideFromDirection(p.Direction),
		NewSize:       size,
		NewCollateral: collateral,
		NewEntryPrice: entry,
		Timestamp:     time.UnixMilli(p.Timestamp).UTC(),
	}, nil
}
