package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/trustmesh/internal/commerce"
	"github.com/mbd888/trustmesh/internal/identity"
	"github.com/mbd888/trustmesh/internal/reputation"
	"github.com/mbd888/trustmesh/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleSearchAgents lists the agents offering a capability.
func (h *Handlers) HandleSearchAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	if capability == "" {
		return mcp.NewToolResultError("capability is required"), nil
	}

	agents, err := h.client.SearchAgents(ctx, capability)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to search agents: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAgentList(capability, agents)), nil
}

// HandleGetReputation returns an agent's peer-feedback reputation.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	rep, err := h.client.GetReputation(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}
	if rep == nil {
		return mcp.NewToolResultError("Failed to get reputation: empty response"), nil
	}
	return mcp.NewToolResultText(formatReputation(rep)), nil
}

// HandleSubmitFeedback rates an agent.
func (h *Handlers) HandleSubmitFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	rating := req.GetInt("rating", 0)
	if !reputation.ValidRating(rating) {
		return mcp.NewToolResultError(fmt.Sprintf("rating must be between %d and %d", reputation.MinRating, reputation.MaxRating)), nil
	}

	fb, err := h.client.SubmitFeedback(ctx, reputation.FeedbackRequest{
		AgentID:   agentID,
		Rating:    rating,
		Comment:   req.GetString("comment", ""),
		PaymentID: req.GetString("payment_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit feedback: %v", err)), nil
	}
	if fb == nil {
		return mcp.NewToolResultError("Failed to submit feedback: empty response"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Feedback recorded for %s\n", fb.AgentID)
	fmt.Fprintf(&sb, "  ID: %s\n", fb.ID)
	fmt.Fprintf(&sb, "  Rating: %d/5\n", fb.Rating)
	if fb.PaymentID != "" {
		fmt.Fprintf(&sb, "  Payment: %s\n", fb.PaymentID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetValidationScore returns an agent's validation confidence.
func (h *Handlers) HandleGetValidationScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	score, validated, err := h.client.GetValidationScore(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get validation score: %v", err)), nil
	}
	if score == nil {
		return mcp.NewToolResultError("Failed to get validation score: empty response"), nil
	}
	return mcp.NewToolResultText(formatValidationScore(score, validated)), nil
}

// HandlePlaceOrder buys a capability through the server's orchestrator.
func (h *Handlers) HandlePlaceOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	if capability == "" {
		return mcp.NewToolResultError("capability is required"), nil
	}
	budget := req.GetString("budget", "")
	if budget == "" {
		return mcp.NewToolResultError("budget is required"), nil
	}

	order, err := h.client.PlaceOrder(ctx, commerce.Request{
		Capability: capability,
		Budget:     budget,
		Rating:     req.GetInt("rating", 0),
		Comment:    req.GetString("comment", ""),
		Settle:     req.GetBool("settle", false),
	})
	var apiErr *APIError
	if errors.As(err, &apiErr) && order != nil {
		return mcp.NewToolResultError(formatOrder(order)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to place order: %v", err)), nil
	}
	if order == nil {
		return mcp.NewToolResultError("Failed to place order: empty response"), nil
	}
	return mcp.NewToolResultText(formatOrder(order)), nil
}

// HandleGetOrder looks up an order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	order, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}
	if order == nil {
		return mcp.NewToolResultError("Failed to get order: empty response"), nil
	}
	return mcp.NewToolResultText(formatOrder(order)), nil
}

// HandleCheckBalance returns the agent's USDC balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	available, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Available: %s USDC", available)), nil
}

// --- Formatters ---

func formatAgentList(capability string, agents []*identity.Agent) string {
	if len(agents) == 0 {
		return fmt.Sprintf("No agents offer %q.", capability)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d agent(s) for %q:\n\n", len(agents), capability)
	for i, a := range agents {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, a.Name)
		fmt.Fprintf(&sb, "   ID: %s\n", a.ID)
		fmt.Fprintf(&sb, "   Owner: %s\n", a.Owner)
		fmt.Fprintf(&sb, "   Price: %s %s\n", a.Price, a.Currency)
		if len(a.Capabilities) > 0 {
			fmt.Fprintf(&sb, "   Capabilities: %s\n", strings.Join(a.Capabilities, ", "))
		}
		if a.Description != "" {
			fmt.Fprintf(&sb, "   Description: %s\n", a.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatReputation(rep *reputation.Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Reputation for %s:\n", rep.AgentID)
	fmt.Fprintf(&sb, "  Trust score: %d/100 (%s)\n", rep.TrustScore, rep.Tier)
	fmt.Fprintf(&sb, "  Reviews: %d\n", rep.TotalReviews)
	if rep.TotalReviews > 0 {
		fmt.Fprintf(&sb, "  Average rating: %.2f/5\n", rep.AvgRating)
	}
	return sb.String()
}

func formatValidationScore(score *validation.Score, validated bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Validation score for %s:\n", score.AgentID)
	fmt.Fprintf(&sb, "  Confidence: %d/100\n", score.Confidence)
	fmt.Fprintf(&sb, "  Passed: %d of %d completed\n", score.Passed, score.Total)
	if validated {
		sb.WriteString("  Status: validated\n")
	} else {
		sb.WriteString("  Status: not validated\n")
	}
	return sb.String()
}

func formatOrder(o *commerce.Order) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s: %s (step %s)\n", o.ID, o.Status, o.Step)
	fmt.Fprintf(&sb, "  Capability: %s\n", o.Capability)
	fmt.Fprintf(&sb, "  Budget: %s USDC\n", o.Budget)
	if o.Seller != nil {
		name := o.Seller.Name
		if name == "" {
			name = o.Seller.AgentID
		}
		fmt.Fprintf(&sb, "  Seller: %s (%s)\n", name, o.Seller.AgentID)
		fmt.Fprintf(&sb, "  Price: %s USDC\n", o.Price)
	}
	if id := o.PaymentID(); id != "" {
		fmt.Fprintf(&sb, "  Payment: %s\n", id)
	}
	if o.SettlementTx != "" {
		fmt.Fprintf(&sb, "  Settlement: %s\n", o.SettlementTx)
	}
	if o.FeedbackID != "" {
		fmt.Fprintf(&sb, "  Feedback: %s\n", o.FeedbackID)
	}
	if o.Failure != nil {
		fmt.Fprintf(&sb, "  Failed at %s (%s): %s\n", o.Failure.Step, o.Failure.Kind, o.Failure.Reason)
	}
	return sb.String()
}
