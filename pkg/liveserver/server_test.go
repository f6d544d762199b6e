package liveserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"funding_arb/internal/core"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, origins []string) (*Hub, *Server, string) {
	t.Helper()
	hub := runHub(t)
	server := NewServer(hub, nil, origins)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return hub, server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, headers)
}

func TestServer_StreamsEvents(t *testing.T) {
	hub, server, url := newTestServer(t, []string{"http://localhost:3000"})

	ws, _, err := dial(t, url, "http://localhost:3000")
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	server.Publish(context.Background(), &core.Event{
		Type:    core.EventLegRisk,
		Level:   core.LevelCritical,
		Symbol:  "ETH",
		Venue:   "asterdex",
		Side:    core.SideShort,
		Message: "second leg failed",
		Err:     errors.New("rejected"),
	})

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	var got struct {
		Type string    `json:"type"`
		Data EventView `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, TypeTradeEvent, got.Type)
	assert.Equal(t, "leg_risk", got.Data.Event)
	assert.Equal(t, "CRITICAL", got.Data.Level)
	assert.Equal(t, "short", got.Data.Side)
	assert.Equal(t, "rejected", got.Data.Error)
}

func TestServer_OriginValidation(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		ok      bool
	}{
		{"allowed", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"wildcard", []string{"*"}, "http://anything.example", true},
		{"unauthorized", []string{"http://localhost:3000"}, "http://evil.com", false},
		{"missing", []string{"*"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, url := newTestServer(t, tt.allowed)
			ws, resp, err := dial(t, url, tt.origin)
			if tt.ok {
				require.NoError(t, err)
				ws.Close()
				return
			}
			assert.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestServer_ConnectionLimit(t *testing.T) {
	hub, server, url := newTestServer(t, []string{"*"})
	server.SetMaxConnections(1)

	ws, _, err := dial(t, url, "http://localhost")
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_, resp, err := dial(t, url, "http://localhost")
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_RateLimit(t *testing.T) {
	_, server, url := newTestServer(t, []string{"http://localhost:3000"})
	server.SetRateLimit(0.001, 1)

	// first attempt spends the burst even though the origin is rejected
	_, _, err := dial(t, url, "http://evil.com")
	assert.Error(t, err)

	_, resp, err := dial(t, url, "http://localhost:3000")
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	server := NewServer(NewHub(nil), nil, []string{"*"})

	w := httptest.NewRecorder()
	server.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
}

func TestServer_StartStop(t *testing.T) {
	server := NewServer(runHub(t), nil, []string{"*"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.Start(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestFromEvent(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	sig := &core.Signal{
		Symbol:                 "ETH",
		ReceiveVenue:           "asterdex",
		PayVenue:               "hyperliquid",
		NormalizedDiffPerRound: decimal.RequireFromString("0.002"),
		NetPerRound:            decimal.RequireFromString("0.001"),
		BreakEvenRounds:        1,
	}
	pos := &core.Position{
		ID: "p1", Symbol: "ETH", OpenedAt: at,
		LongLeg:  &core.Leg{Venue: "hyperliquid", Quantity: decimal.RequireFromString("0.05"), EntryPrice: decimal.NewFromInt(2000), Filled: true},
		ShortLeg: &core.Leg{Venue: "asterdex"},
	}

	scan := FromEvent(&core.Event{Type: core.EventScan, Signals: []*core.Signal{sig}, At: at})
	assert.Equal(t, TypeScan, scan.Type)
	assert.Equal(t, at.UnixMilli(), scan.Time)
	views := scan.Data.([]SignalView)
	require.Len(t, views, 1)
	assert.Equal(t, "hyperliquid", views[0].Long)
	assert.Equal(t, "asterdex", views[0].Short)
	assert.True(t, decimal.RequireFromString("2.19").Equal(views[0].SpreadAPR))

	opened := FromEvent(&core.Event{Type: core.EventPositionOpened, Position: pos})
	assert.Equal(t, TypePosition, opened.Type)
	pv := opened.Data.(map[string]interface{})["position"].(PositionView)
	require.NotNil(t, pv.Long)
	assert.Nil(t, pv.Short)

	assert.Equal(t, TypeRiskStatus, FromEvent(&core.Event{Type: core.EventLedgerInconsistent}).Type)
	assert.Equal(t, TypeTradeEvent, FromEvent(&core.Event{Type: core.EventAutoClose}).Type)

	raw, err := json.Marshal(FromEvent(&core.Event{Type: core.EventSignal, Signal: sig}))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"net_per_round":"0.001"`)
}
