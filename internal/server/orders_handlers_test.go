package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/orders"
)

func newTestBoard(t *testing.T) *orders.Board {
	t.Helper()
	store := orders.NewFileStore(filepath.Join(t.TempDir(), "orders.json"))
	board, err := orders.Initialize(context.Background(), store)
	require.NoError(t, err)
	return board
}

func TestOrdersRoutesAbsentWithoutBoard(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/orders", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAndListOrders(t *testing.T) {
	board := newTestBoard(t)
	s, _, _ := newTestServer(t, WithOrderBoard(board))

	body := `{"requesterName":"mcp","itemCode":"birch_wood","sourceType":"gather",` +
		`"sourceCode":"birch_tree","gatherSkill":"woodcutting","sourceLevel":5,"quantity":20}`
	w := doJSON(t, s, "POST", "/api/orders", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created orders.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 20, created.RemainingQty)

	w = doJSON(t, s, "GET", "/api/orders", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Orders []orders.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "birch_wood", resp.Orders[0].ItemCode)

	w = doJSON(t, s, "GET", "/api/orders/"+created.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateOrderValidation(t *testing.T) {
	s, _, _ := newTestServer(t, WithOrderBoard(newTestBoard(t)))

	w := doJSON(t, s, "POST", "/api/orders", `{"itemCode":"birch_wood","sourceType":"gather"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "quantity is required")
}

func TestBlockOrder(t *testing.T) {
	board := newTestBoard(t)
	s, _, _ := newTestServer(t, WithOrderBoard(board))

	created, err := board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode:   "copper_ore",
		SourceType: "gather",
		SourceCode: "copper_rocks",
		Quantity:   10,
	})
	require.NoError(t, err)

	until := time.Now().Add(time.Hour).UnixMilli()
	body, _ := json.Marshal(blockOrderRequest{CharName: "Sable", Reason: "skill too low", UntilMs: until})
	w := doJSON(t, s, "POST", "/api/orders/"+created.ID+"/block", string(body))
	require.Equal(t, http.StatusNoContent, w.Code)

	blocked, reason := board.IsOrderBlocked("Sable", created.ID)
	assert.True(t, blocked)
	assert.Equal(t, "skill too low", reason)

	blockedOther, _ := board.IsOrderBlocked("Rook", created.ID)
	assert.False(t, blockedOther, "the block is per character")
}

func TestBlockOrderDefaultsToGlobal(t *testing.T) {
	board := newTestBoard(t)
	s, _, _ := newTestServer(t, WithOrderBoard(board))

	created, err := board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode:   "copper_ore",
		SourceType: "gather",
		SourceCode: "copper_rocks",
		Quantity:   10,
	})
	require.NoError(t, err)

	w := doJSON(t, s, "POST", "/api/orders/"+created.ID+"/block", `{"reason":"no map location"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	blocked, _ := board.IsOrderBlocked("Rook", created.ID)
	assert.True(t, blocked, "an empty charName blocks the order for everyone")
}

func TestBlockUnknownOrder(t *testing.T) {
	s, _, _ := newTestServer(t, WithOrderBoard(newTestBoard(t)))

	w := doJSON(t, s, "POST", "/api/orders/ord-missing/block", `{"reason":"gone"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
