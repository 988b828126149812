package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/gridagent/internal/orders"
	"github.com/mbd888/gridagent/internal/status"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *AgentClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *AgentClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetSnapshot returns the fleet's current state.
func (h *Handlers) HandleGetSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetSnapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get snapshot: %v", err)), nil
	}

	text, err := formatSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse snapshot: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOrders lists the order board.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOrders(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	text, err := formatOrderList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateOrder places an order on the board.
func (h *Handlers) HandleCreateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemCode := req.GetString("item_code", "")
	sourceType := req.GetString("source_type", "")
	quantity := req.GetInt("quantity", 0)
	if itemCode == "" || sourceType == "" || quantity <= 0 {
		return mcp.NewToolResultError("item_code, source_type, and a positive quantity are required"), nil
	}

	requester := req.GetString("requester", "mcp")
	body := map[string]any{
		"requesterName": requester,
		"itemCode":      itemCode,
		"sourceType":    sourceType,
		"sourceCode":    req.GetString("source_code", ""),
		"gatherSkill":   req.GetString("gather_skill", ""),
		"sourceLevel":   req.GetInt("source_level", 0),
		"quantity":      quantity,
	}

	raw, err := h.client.CreateOrder(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create order: %v", err)), nil
	}

	var order orders.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Order %s placed: %d x %s (%s from %s), %d remaining.",
		order.ID, order.RequestedQty, order.ItemCode,
		order.SourceType, order.SourceCode, order.RemainingQty)), nil
}

// HandleBlockOrder blocks an order for one character or everyone.
func (h *Handlers) HandleBlockOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	reason := req.GetString("reason", "")
	if orderID == "" || reason == "" {
		return mcp.NewToolResultError("order_id and reason are required"), nil
	}

	body := map[string]any{
		"charName": req.GetString("char_name", ""),
		"reason":   reason,
	}
	scope := req.GetString("char_name", "")
	if scope == "" {
		scope = "everyone"
	}

	var expiry string
	if minutes := req.GetInt("duration_minutes", 0); minutes > 0 {
		until := time.Now().Add(time.Duration(minutes) * time.Minute)
		body["untilMs"] = until.UnixMilli()
		expiry = fmt.Sprintf(" until %s", until.UTC().Format(time.RFC3339))
	} else {
		expiry = " for the rest of the run"
	}

	if _, err := h.client.BlockOrder(ctx, orderID, body); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to block order: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Order %s blocked for %s%s: %s", orderID, scope, expiry, reason)), nil
}

// -----------------------------------------------------------------------------
// Formatters
// -----------------------------------------------------------------------------

func formatSnapshot(raw json.RawMessage) (string, error) {
	var snap status.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Characters (%d):\n", len(snap.Characters))
	for _, cs := range snap.Characters {
		fmt.Fprintf(&sb, "- %s  lvl %d  HP %d/%d  at (%d,%d)  gold %d  inventory %d/%d",
			cs.Name, cs.Level, cs.HP, cs.MaxHP, cs.X, cs.Y, cs.Gold,
			cs.InventoryCount, cs.InventoryCapacity)
		if cs.Task != "" {
			fmt.Fprintf(&sb, "  task %s %s %d/%d", cs.TaskType, cs.Task, cs.TaskProgress, cs.TaskTotal)
		}
		if cs.Stale {
			fmt.Fprintf(&sb, "  STALE (%s)", cs.LastError)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(formatOrders(snap.Orders))

	fmt.Fprintf(&sb, "\nBank: %d gold, %d/%d slots used, next expansion %d gold\n",
		snap.Bank.Gold, snap.Bank.UsedSlots, snap.Bank.Slots, snap.Bank.NextExpansionCost)
	return sb.String(), nil
}

func formatOrderList(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders []orders.Order `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return formatOrders(resp.Orders), nil
}

func formatOrders(list []orders.Order) string {
	if len(list) == 0 {
		return "Orders: none\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Orders (%d):\n", len(list))
	for _, o := range list {
		fmt.Fprintf(&sb, "- %s  %s  %d/%d remaining  %s",
			o.ID, o.ItemCode, o.RemainingQty, o.RequestedQty, o.Status)
		if o.Claim != nil {
			fmt.Fprintf(&sb, "  (claimed by %s)", o.Claim.CharName)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
