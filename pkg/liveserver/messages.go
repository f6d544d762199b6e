package liveserver

import (
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/arbitrage"

	"github.com/shopspring/decimal"
)

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time int64       `json:"ts"`
}

// MessageType constants
const (
	TypeScan       = "scan"
	TypeSignal     = "signal"
	TypePosition   = "position"
	TypeTradeEvent = "trade_event"
	TypeRiskStatus = "risk_status"
)

// SignalView is the dashboard projection of a signal
type SignalView struct {
	Symbol                 string          `json:"symbol"`
	Long                   string          `json:"long"`
	Short                  string          `json:"short"`
	NetPerRound            decimal.Decimal `json:"net_per_round"`
	SpreadAPR              decimal.Decimal `json:"spread_apr"`
	ProjectedMonthlyReturn decimal.Decimal `json:"projected_monthly_return"`
	BreakEvenRounds        int             `json:"break_even_rounds"`
	Watchlist              bool            `json:"watchlist"`
	NextFundingTime        int64           `json:"next_funding_time,omitempty"`
}

type LegView struct {
	Venue      string          `json:"venue"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

type PositionView struct {
	ID       string   `json:"id"`
	Symbol   string   `json:"symbol"`
	Long     *LegView `json:"long,omitempty"`
	Short    *LegView `json:"short,omitempty"`
	LegRisk  bool     `json:"leg_risk"`
	OpenedAt int64    `json:"opened_at"`
}

// EventView carries everything that is not a signal or a position snapshot
type EventView struct {
	Event   string            `json:"event"`
	Level   string            `json:"level"`
	Symbol  string            `json:"symbol,omitempty"`
	Venue   string            `json:"venue,omitempty"`
	Side    string            `json:"side,omitempty"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NewMessage - Helper function to create a Message
func NewMessage(msgType string, data interface{}) Message {
	return Message{
		Type: msgType,
		Data: data,
		Time: time.Now().UnixMilli(),
	}
}

// FromEvent projects a core event onto the wire format
func FromEvent(ev *core.Event) Message {
	var msg Message
	switch ev.Type {
	case core.EventScan:
		views := make([]SignalView, 0, len(ev.Signals))
		for _, s := range ev.Signals {
			views = append(views, signalView(s))
		}
		msg = NewMessage(TypeScan, views)
	case core.EventSignal:
		if ev.Signal == nil {
			return NewMessage(TypeTradeEvent, eventView(ev))
		}
		msg = NewMessage(TypeSignal, signalView(ev.Signal))
	case core.EventPositionOpened, core.EventPositionClosed:
		if ev.Position == nil {
			return NewMessage(TypeTradeEvent, eventView(ev))
		}
		msg = NewMessage(TypePosition, map[string]interface{}{
			"event":    string(ev.Type),
			"position": positionView(ev.Position),
			"fields":   ev.Fields,
		})
	case core.EventLedgerInconsistent, core.EventReconcileMismatch, core.EventCycleFailed:
		msg = NewMessage(TypeRiskStatus, eventView(ev))
	default:
		msg = NewMessage(TypeTradeEvent, eventView(ev))
	}
	if !ev.At.IsZero() {
		msg.Time = ev.At.UnixMilli()
	}
	return msg
}

func signalView(s *core.Signal) SignalView {
	v := SignalView{
		Symbol:                 s.Symbol,
		Long:                   s.PayVenue,
		Short:                  s.ReceiveVenue,
		NetPerRound:            s.NetPerRound,
		SpreadAPR:              arbitrage.AnnualizeSpread(s.NormalizedDiffPerRound),
		ProjectedMonthlyReturn: s.ProjectedMonthlyReturn,
		BreakEvenRounds:        s.BreakEvenRounds,
		Watchlist:              s.WatchlistOverride,
	}
	if !s.NextFundingTime.IsZero() {
		v.NextFundingTime = s.NextFundingTime.UnixMilli()
	}
	return v
}

func positionView(p *core.Position) PositionView {
	v := PositionView{ID: p.ID, Symbol: p.Symbol, LegRisk: p.LegRisk, OpenedAt: p.OpenedAt.UnixMilli()}
	if l := p.LongLeg; l != nil && l.Filled {
		v.Long = &LegView{Venue: l.Venue, Quantity: l.Quantity, EntryPrice: l.EntryPrice}
	}
	if l := p.ShortLeg; l != nil && l.Filled {
		v.Short = &LegView{Venue: l.Venue, Quantity: l.Quantity, EntryPrice: l.EntryPrice}
	}
	return v
}

func eventView(ev *core.Event) EventView {
	v := EventView{
		Event:   string(ev.Type),
		Level:   string(ev.Level),
		Symbol:  ev.Symbol,
		Venue:   ev.Venue,
		Side:    string(ev.Side),
		Message: ev.Message,
		Fields:  ev.Fields,
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}
	return v
}
