package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/ledger"
	"github.com/mbd888/gridagent/internal/orders"
	"github.com/mbd888/gridagent/internal/status"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewAgentClient(Config{APIURL: ts.URL})
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func testSnapshot() *status.Snapshot {
	return &status.Snapshot{
		Characters: []status.CharacterStatus{
			{
				Name: "Sable", Level: 12, HP: 80, MaxHP: 100, X: 3, Y: 4, Gold: 250,
				InventoryCount: 10, InventoryCapacity: 50,
				Task: "cow", TaskType: "monsters", TaskProgress: 2, TaskTotal: 5,
			},
			{
				Name: "Rook", Level: 8, HP: 40, MaxHP: 60,
				Stale: true, LastError: "gather endpoint returned 500",
			},
		},
		Orders: []orders.Order{
			{
				ID: "ord-1", ItemCode: "birch_wood", RequestedQty: 20, RemainingQty: 12,
				Status: orders.StatusOpen,
			},
		},
		Bank: ledger.Summary{Gold: 500, Slots: 60, UsedSlots: 14, NextExpansionCost: 10000},
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "no_snapshot",
			"message": "No snapshot collected yet",
		})
	}))
	defer ts.Close()

	client := NewAgentClient(Config{APIURL: ts.URL})
	_, err := client.GetSnapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "No snapshot collected yet")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewAgentClient(Config{APIURL: ts.URL})
	_, err := client.ListOrders(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewAgentClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetSnapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetSnapshot(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ui/snapshot", r.URL.Path)
		_ = json.NewEncoder(w).Encode(testSnapshot())
	}))
	defer done()

	result, err := h.HandleGetSnapshot(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Characters (2):")
	assert.Contains(t, text, "Sable  lvl 12  HP 80/100")
	assert.Contains(t, text, "task monsters cow 2/5")
	assert.Contains(t, text, "STALE (gather endpoint returned 500)")
	assert.Contains(t, text, "ord-1  birch_wood  12/20 remaining")
	assert.Contains(t, text, "Bank: 500 gold, 14/60 slots used")
}

func TestHandleGetSnapshot_AgentDown(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "no_snapshot", "message": "No snapshot collected yet"})
	}))
	defer done()

	result, err := h.HandleGetSnapshot(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListOrders(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orders": []orders.Order{
				{ID: "ord-1", ItemCode: "copper_ore", RequestedQty: 50, RemainingQty: 30,
					Status: orders.StatusClaimed, Claim: &orders.Claim{CharName: "Sable"}},
			},
		})
	}))
	defer done()

	result, err := h.HandleListOrders(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "copper_ore  30/50 remaining")
	assert.Contains(t, text, "(claimed by Sable)")
}

func TestHandleListOrders_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"orders": []orders.Order{}})
	}))
	defer done()

	result, err := h.HandleListOrders(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Orders: none")
}

func TestHandleCreateOrder(t *testing.T) {
	var gotBody map[string]any
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(orders.Order{
			ID: "ord-7", ItemCode: "birch_wood", SourceType: "gather", SourceCode: "birch_tree",
			RequestedQty: 20, RemainingQty: 20, Status: orders.StatusOpen,
		})
	}))
	defer done()

	result, err := h.HandleCreateOrder(context.Background(), makeRequest(map[string]any{
		"item_code":    "birch_wood",
		"source_type":  "gather",
		"source_code":  "birch_tree",
		"gather_skill": "woodcutting",
		"source_level": float64(5),
		"quantity":     float64(20),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	assert.Equal(t, "birch_wood", gotBody["itemCode"])
	assert.Equal(t, "mcp", gotBody["requesterName"])
	assert.Equal(t, float64(20), gotBody["quantity"])

	text := resultText(t, result)
	assert.Contains(t, text, "Order ord-7 placed")
	assert.Contains(t, text, "20 x birch_wood")
}

func TestHandleCreateOrder_MissingFields(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("the agent should not be called")
	}))
	defer done()

	result, err := h.HandleCreateOrder(context.Background(), makeRequest(map[string]any{
		"item_code": "birch_wood",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleBlockOrder(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer done()

	result, err := h.HandleBlockOrder(context.Background(), makeRequest(map[string]any{
		"order_id":         "ord-3",
		"reason":           "skill too low",
		"char_name":        "Sable",
		"duration_minutes": float64(30),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	assert.Equal(t, "/api/orders/ord-3/block", gotPath)
	assert.Equal(t, "Sable", gotBody["charName"])
	assert.Equal(t, "skill too low", gotBody["reason"])
	assert.NotZero(t, gotBody["untilMs"])

	text := resultText(t, result)
	assert.Contains(t, text, "blocked for Sable")
}

func TestHandleBlockOrder_GlobalPermanent(t *testing.T) {
	var gotBody map[string]any
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer done()

	result, err := h.HandleBlockOrder(context.Background(), makeRequest(map[string]any{
		"order_id": "ord-3",
		"reason":   "source only spawns during events",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "", gotBody["charName"])
	_, hasUntil := gotBody["untilMs"]
	assert.False(t, hasUntil, "a permanent block carries no expiry")

	text := resultText(t, result)
	assert.Contains(t, text, "blocked for everyone")
	assert.Contains(t, text, "for the rest of the run")
}

func TestHandleBlockOrder_MissingReason(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("the agent should not be called")
	}))
	defer done()

	result, err := h.HandleBlockOrder(context.Background(), makeRequest(map[string]any{
		"order_id": "ord-3",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
