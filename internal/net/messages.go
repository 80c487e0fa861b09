package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short for its header")
)

type MessageType int

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
)

type ReportMessageType int

const (
	ExecutionReport ReportMessageType = iota
	OrderAckReport
	ErrorReport
)

type Message interface {
	GetType() MessageType
}

// Message format constants. Every field is fixed-width; ids are raw
// 16-byte UUIDs and the wallet address is a raw 20-byte value, so there
// is no variable-length trailer to size (unlike the teacher's
// username-suffixed NewOrderMessage).
const (
	BaseMessageHeaderLen = 2

	// type(2) + market(16) + outcome(16) + share(1) + side(1) + orderType(1) + price(8) + amount(8) + user(20)
	NewOrderMessageLen = 2 + 16 + 16 + 1 + 1 + 1 + 8 + 8 + 20
	// type(2) + market(16) + outcome(16) + share(1) + orderId(16) + user(20)
	CancelOrderMessageLen = 2 + 16 + 16 + 1 + 16 + 20
)

// BaseMessage carries the common type tag every wire message starts with.
type BaseMessage struct {
	TypeOf MessageType
}

func (m BaseMessage) GetType() MessageType { return m.TypeOf }

func parseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, ErrMessageTooShort
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	body := msg[2:]
	switch typeOf {
	case NewOrder:
		return parseNewOrder(body)
	case CancelOrder:
		return parseCancelOrder(body)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

// NewOrderMessage is the wire form of a limit or market order submission.
type NewOrderMessage struct {
	BaseMessage
	MarketId  ids.MarketId
	OutcomeId ids.OutcomeId
	ShareType common.ShareType
	Side      common.Side
	OrderType common.OrderType
	Price     money.Price // zero for market orders
	Amount    money.Amount
	UserId    ids.UserId
}

// Order builds the domain Order this wire message describes, minting a
// fresh OrderId and stamping CreatedAt with the current time.
func (o *NewOrderMessage) Order() common.Order {
	return common.Order{
		OrderId:   ids.NewOrderId(),
		UserId:    o.UserId,
		MarketId:  o.MarketId,
		OutcomeId: o.OutcomeId,
		ShareType: o.ShareType,
		Side:      o.Side,
		OrderType: o.OrderType,
		Price:     o.Price,
		Amount:    o.Amount,
		Status:    common.Pending,
		CreatedAt: time.Now(),
	}
}

func parseNewOrder(msg []byte) (NewOrderMessage, error) {
	const bodyLen = NewOrderMessageLen - 2
	if len(msg) < bodyLen {
		return NewOrderMessage{}, ErrMessageTooShort
	}

	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
	off := 0
	m.MarketId = readMarketId(msg[off:])
	off += 16
	m.OutcomeId = readOutcomeId(msg[off:])
	off += 16
	m.ShareType = common.ShareType(msg[off])
	off++
	m.Side = common.Side(msg[off])
	off++
	m.OrderType = common.OrderType(msg[off])
	off++
	m.Price = money.Price(int64(binary.BigEndian.Uint64(msg[off : off+8])))
	off += 8
	m.Amount = money.Amount(int64(binary.BigEndian.Uint64(msg[off : off+8])))
	off += 8
	copy(m.UserId[:], msg[off:off+20])

	return m, nil
}

// CancelOrderMessage is the wire form of a cancel request.
type CancelOrderMessage struct {
	BaseMessage
	MarketId  ids.MarketId
	OutcomeId ids.OutcomeId
	ShareType common.ShareType
	OrderId   ids.OrderId
	UserId    ids.UserId
}

func parseCancelOrder(msg []byte) (CancelOrderMessage, error) {
	const bodyLen = CancelOrderMessageLen - 2
	if len(msg) < bodyLen {
		return CancelOrderMessage{}, ErrMessageTooShort
	}

	m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}
	off := 0
	m.MarketId = readMarketId(msg[off:])
	off += 16
	m.OutcomeId = readOutcomeId(msg[off:])
	off += 16
	m.ShareType = common.ShareType(msg[off])
	off++
	copy((*[16]byte)(&m.OrderId)[:], msg[off:off+16])
	off += 16
	copy(m.UserId[:], msg[off:off+20])

	return m, nil
}

func readMarketId(b []byte) ids.MarketId {
	var out ids.MarketId
	copy((*[16]byte)(&out)[:], b[:16])
	return out
}

func readOutcomeId(b []byte) ids.OutcomeId {
	var out ids.OutcomeId
	copy((*[16]byte)(&out)[:], b[:16])
	return out
}

// Report is the server's wire response to a command: either an
// execution (zero or more trades) or a rejection.
type Report struct {
	MessageType ReportMessageType
	OrderId     ids.OrderId
	Status      common.OrderStatus
	FilledSoFar money.Amount
	Trades      []ReportTrade
	ErrStr      string
}

// ReportTrade is one fill line within a Report.
type ReportTrade struct {
	MatchType common.MatchType
	Price     money.Price
	Amount    money.Amount
	Fee       money.Amount
}

const reportFixedHeaderLen = 1 + 16 + 1 + 8 + 1 + 4 // type + orderId + status + filled + tradeCount + errLen
const reportTradeLen = 1 + 8 + 8 + 8                // matchType + price + amount + fee

// Serialize converts the report to its wire form.
func (r *Report) Serialize() ([]byte, error) {
	totalSize := reportFixedHeaderLen + len(r.Trades)*reportTradeLen + len(r.ErrStr)
	buf := make([]byte, totalSize)

	buf[0] = byte(r.MessageType)
	copy(buf[1:17], (*[16]byte)(&r.OrderId)[:])
	buf[17] = byte(r.Status)
	binary.BigEndian.PutUint64(buf[18:26], uint64(r.FilledSoFar))
	buf[26] = byte(len(r.Trades))
	binary.BigEndian.PutUint32(buf[27:31], uint32(len(r.ErrStr)))

	off := reportFixedHeaderLen
	for _, t := range r.Trades {
		buf[off] = byte(t.MatchType)
		binary.BigEndian.PutUint64(buf[off+1:off+9], uint64(t.Price))
		binary.BigEndian.PutUint64(buf[off+9:off+17], uint64(t.Amount))
		binary.BigEndian.PutUint64(buf[off+17:off+25], uint64(t.Fee))
		off += reportTradeLen
	}
	copy(buf[off:], r.ErrStr)

	return buf, nil
}

// buildExecutionReport turns the matching engine's result into the wire
// report for the order's own submitter.
func buildExecutionReport(order common.Order, trades []common.Trade, takerUser ids.UserId) Report {
	report := Report{
		MessageType: ExecutionReport,
		OrderId:     order.OrderId,
		Status:      order.Status,
		FilledSoFar: order.FilledAmount,
	}
	for _, t := range trades {
		fee := t.TakerFee
		if t.MakerUserId == takerUser {
			fee = t.MakerFee
		}
		report.Trades = append(report.Trades, ReportTrade{
			MatchType: t.MatchType,
			Price:     t.Price,
			Amount:    t.Amount,
			Fee:       fee,
		})
	}
	return report
}

func buildErrorReport(err error) Report {
	return Report{MessageType: ErrorReport, ErrStr: fmt.Sprintf("%v", err)}
}
