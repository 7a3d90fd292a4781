package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the trustmesh MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSearchAgents = mcp.NewTool("search_agents",
	mcp.WithDescription(
		"Find registered agents offering a capability. "+
			"Matching is a case-insensitive substring match on each capability. "+
			"Returns agent ids, owner addresses and unit prices in USDC."),
	mcp.WithString("capability",
		mcp.Required(),
		mcp.Description("Capability to search for (e.g. 'weather', 'translation')")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the peer-feedback reputation of an agent: average rating, review count, "+
			"trust score (0-100) and tier (new/emerging/established/trusted/elite)."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent's registry id")),
)

var ToolSubmitFeedback = mcp.NewTool("submit_feedback",
	mcp.WithDescription(
		"Rate an agent from 1 to 5. When payment_id is given it must be a payment "+
			"the counterpart verified; each payment backs at most one review."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent being reviewed")),
	mcp.WithNumber("rating",
		mcp.Required(),
		mcp.Description("Rating from 1 (worst) to 5 (best)")),
	mcp.WithString("comment",
		mcp.Description("Optional free-text comment")),
	mcp.WithString("payment_id",
		mcp.Description("Optional payment id the review refers to")),
)

var ToolGetValidationScore = mcp.NewTool("get_validation_score",
	mcp.WithDescription(
		"Get the independent-validation confidence of an agent: how many completed "+
			"validations passed, and the resulting 0-100 score."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent's registry id")),
)

var ToolPlaceOrder = mcp.NewTool("place_order",
	mcp.WithDescription(
		"Buy a capability within a USDC budget. The server picks the most trusted "+
			"affordable seller, signs and verifies a payment proof, optionally settles it, "+
			"and leaves feedback. Returns the order with its final status."),
	mcp.WithString("capability",
		mcp.Required(),
		mcp.Description("Capability to buy (e.g. 'weather')")),
	mcp.WithString("budget",
		mcp.Required(),
		mcp.Description("Maximum price in USDC (e.g. '2.50')")),
	mcp.WithNumber("rating",
		mcp.Description("Rating to leave the seller after delivery (1-5, default 5)")),
	mcp.WithString("comment",
		mcp.Description("Optional feedback comment")),
	mcp.WithBoolean("settle",
		mcp.Description("Move funds on the ledger after verification (default false)")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription("Look up an order placed earlier, including its last completed step."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order id returned by place_order")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check your agent's platform USDC balance."),
)
