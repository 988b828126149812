package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the agent MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetSnapshot = mcp.NewTool("get_snapshot",
	mcp.WithDescription(
		"Get the current state of every character the agent controls: "+
			"position, HP, gold, inventory fill, active task, skill levels, and cooldowns, "+
			"plus the order board and the bank summary. Use this first to understand what "+
			"the fleet is doing."),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List every order on the shared order board with its remaining quantity, "+
			"status (open/claimed/fulfilled), and current claimant. "+
			"Use this before creating an order to avoid duplicates."),
)

var ToolCreateOrder = mcp.NewTool("create_order",
	mcp.WithDescription(
		"Place a material order on the shared board. Idle characters pick orders up, "+
			"gather or fight or craft the items, and deposit them in the bank. "+
			"An order for an item that already has an open order merges into it."),
	mcp.WithString("item_code",
		mcp.Required(),
		mcp.Description("Item to produce (e.g. 'birch_wood', 'copper_ore', 'copper_dagger')")),
	mcp.WithString("source_type",
		mcp.Required(),
		mcp.Description("How the item is obtained: 'gather' (resource node), 'monster' (fight), or 'craft'"),
		mcp.Enum("gather", "monster", "craft")),
	mcp.WithString("source_code",
		mcp.Description("The resource node, monster, or recipe that yields the item (e.g. 'birch_tree')")),
	mcp.WithNumber("quantity",
		mcp.Required(),
		mcp.Description("How many items to produce")),
	mcp.WithString("gather_skill",
		mcp.Description("Gathering skill required, for resource orders (e.g. 'woodcutting', 'mining')")),
	mcp.WithNumber("source_level",
		mcp.Description("Minimum skill or combat level required to work the source")),
	mcp.WithString("requester",
		mcp.Description("Who is asking, recorded on the order (defaults to 'mcp')")),
)

var ToolBlockOrder = mcp.NewTool("block_order",
	mcp.WithDescription(
		"Mark an order as not workable so characters stop attempting it. "+
			"Block for a single character (e.g. skill too low) or for everyone "+
			"(e.g. the source only exists during an event). "+
			"An optional duration makes the block expire; otherwise it lasts for the run."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID from list_orders")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the order cannot be worked")),
	mcp.WithString("char_name",
		mcp.Description("Character to block it for; omit to block it for everyone")),
	mcp.WithNumber("duration_minutes",
		mcp.Description("Minutes until the block expires; omit for a permanent block")),
)
