package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SwapClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SwapClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the account's custody balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow looks up one escrow by ID.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetIntent looks up one swap intent by key.
func (h *Handlers) HandleGetIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("intent_key", "")
	if key == "" {
		return mcp.NewToolResultError("intent_key is required"), nil
	}

	raw, err := h.client.GetIntent(ctx, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get intent: %v", err)), nil
	}

	text, err := formatIntent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists escrows for an account.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListEscrows(ctx, address, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListIntents lists a maker's swap intents.
func (h *Handlers) HandleListIntents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	limit := req.GetInt("limit", 0)

	raw, err := h.client.ListIntents(ctx, address, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list intents: %v", err)), nil
	}

	text, err := formatIntentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intents: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleNetworkStatus returns the chain clock state.
func (h *Handlers) HandleNetworkStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.NetworkStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get network status: %v", err)), nil
	}

	var status struct {
		Clock  string `json:"clock"`
		Height uint64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse network status: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Chain clock: %s\nCurrent height: %d", status.Clock, status.Height)), nil
}

// HandleCreateIntent publishes a swap intent.
func (h *Handlers) HandleCreateIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hashlock := req.GetString("hashlock", "")
	srcAmount := req.GetString("src_amount", "")
	dstAmount := req.GetString("dst_amount", "")
	dstAddress := req.GetString("dst_address", "")
	timeout := req.GetInt("timeout_after_block", 0)
	if hashlock == "" || srcAmount == "" || dstAmount == "" || dstAddress == "" || timeout <= 0 {
		return mcp.NewToolResultError("hashlock, src_amount, dst_amount, dst_address, and timeout_after_block are required"), nil
	}

	raw, err := h.client.CreateIntent(ctx, map[string]any{
		"hashlock":            hashlock,
		"src_amount":          srcAmount,
		"dst_amount":          dstAmount,
		"dst_address":         dstAddress,
		"timeout_after_block": timeout,
		"nonce":               req.GetInt("nonce", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create intent: %v", err)), nil
	}

	text, err := formatIntent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText("Intent created. Your source amount is now locked.\n\n" + text), nil
}

// HandleCancelIntent cancels one of the account's active intents.
func (h *Handlers) HandleCancelIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nonce := req.GetInt("nonce", -1)
	if nonce < 0 {
		return mcp.NewToolResultError("nonce is required"), nil
	}

	raw, err := h.client.CancelIntent(ctx, uint64(nonce))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel intent: %v", err)), nil
	}

	text, err := formatIntent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText("Intent cancelled. The locked amount has been released.\n\n" + text), nil
}

// HandleFulfillIntent takes an intent as the resolver.
func (h *Handlers) HandleFulfillIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maker := req.GetString("maker", "")
	deposit := req.GetString("safety_deposit", "")
	if maker == "" || deposit == "" {
		return mcp.NewToolResultError("maker and safety_deposit are required"), nil
	}

	raw, err := h.client.FulfillIntent(ctx, map[string]any{
		"maker":                   maker,
		"nonce":                   req.GetInt("nonce", 0),
		"safety_deposit":          deposit,
		"withdrawal_after":        req.GetInt("withdrawal_after", 0),
		"public_withdrawal_after": req.GetInt("public_withdrawal_after", 0),
		"cancellation_after":      req.GetInt("cancellation_after", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fulfill intent: %v", err)), nil
	}

	var resp struct {
		Escrow json.RawMessage `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultError("Failed to parse fulfill response"), nil
	}

	var sb strings.Builder
	sb.WriteString("Intent fulfilled. A source escrow now holds the maker's amount with you as taker.\n")
	sb.WriteString("Fund the destination side, then withdraw here once the maker reveals the secret.\n\n")
	sb.WriteString(formatJSON(resp.Escrow))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleWithdrawEscrow completes an escrow with the secret.
func (h *Handlers) HandleWithdrawEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	secret := req.GetString("secret", "")
	if id == "" || secret == "" {
		return mcp.NewToolResultError("escrow_id and secret are required"), nil
	}

	immutables, ok := req.GetArguments()["immutables"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("immutables object is required"), nil
	}

	raw, err := h.client.WithdrawEscrow(ctx, id, immutables, secret)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to withdraw: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText("Withdrawal complete. The secret is now public.\n\n" + text), nil
}

// --- Formatting helpers ---

type escrowView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Type       string `json:"type"`
	Immutables struct {
		OrderHash     string `json:"orderHash"`
		Hashlock      string `json:"hashlock"`
		Maker         string      `json:"maker"`
		Taker         string      `json:"taker"`
		Amount        json.Number `json:"amount"`
		SafetyDeposit json.Number `json:"safetyDeposit"`
		Timelocks     struct {
			DeployedAt            uint64 `json:"deployedAt"`
			WithdrawalAfter       uint64 `json:"withdrawalAfter"`
			PublicWithdrawalAfter uint64 `json:"publicWithdrawalAfter"`
			CancellationAfter     uint64 `json:"cancellationAfter"`
		} `json:"timelocks"`
	} `json:"immutables"`
}

func renderEscrow(sb *strings.Builder, e escrowView) {
	fmt.Fprintf(sb, "Escrow %s\n", e.ID)
	fmt.Fprintf(sb, "  Status: %s (%s side)\n", e.Status, e.Type)
	fmt.Fprintf(sb, "  Maker: %s\n", e.Immutables.Maker)
	fmt.Fprintf(sb, "  Taker: %s\n", e.Immutables.Taker)
	fmt.Fprintf(sb, "  Amount: %s (deposit %s)\n", e.Immutables.Amount, e.Immutables.SafetyDeposit)
	tl := e.Immutables.Timelocks
	fmt.Fprintf(sb, "  Windows: deployed %d, withdrawal %d, public %d, cancellation %d\n",
		tl.DeployedAt, tl.WithdrawalAfter, tl.PublicWithdrawalAfter, tl.CancellationAfter)
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow escrowView `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	var sb strings.Builder
	renderEscrow(&sb, resp.Escrow)
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []escrowView `json:"escrows"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Count == 0 {
		return "No escrows found.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d escrow(s):\n\n", resp.Count)
	for _, e := range resp.Escrows {
		renderEscrow(&sb, e)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type intentView struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Intent struct {
		Hashlock          string      `json:"hashlock"`
		Maker             string      `json:"maker"`
		SrcAmount         json.Number `json:"srcAmount"`
		DstAmount         json.Number `json:"dstAmount"`
		DstAddress        string      `json:"dstAddress"`
		TimeoutAfterBlock uint64 `json:"timeoutAfterBlock"`
		Nonce             uint64 `json:"nonce"`
	} `json:"intent"`
	Resolver string `json:"resolver,omitempty"`
	HtlcID   string `json:"htlcId,omitempty"`
}

func renderIntent(sb *strings.Builder, v intentView) {
	fmt.Fprintf(sb, "Intent %s\n", v.Key)
	fmt.Fprintf(sb, "  Status: %s\n", v.Status)
	fmt.Fprintf(sb, "  Maker: %s (nonce %d)\n", v.Intent.Maker, v.Intent.Nonce)
	fmt.Fprintf(sb, "  Offers: %s for %s to %s\n", v.Intent.SrcAmount, v.Intent.DstAmount, v.Intent.DstAddress)
	fmt.Fprintf(sb, "  Expires after block %d\n", v.Intent.TimeoutAfterBlock)
	if v.Resolver != "" {
		fmt.Fprintf(sb, "  Resolver: %s (escrow %s)\n", v.Resolver, v.HtlcID)
	}
}

func formatIntent(raw json.RawMessage) (string, error) {
	var resp struct {
		Intent intentView `json:"intent"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	var sb strings.Builder
	renderIntent(&sb, resp.Intent)
	return sb.String(), nil
}

func formatIntentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Intents []intentView `json:"intents"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Count == 0 {
		return "No intents found.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d intent(s):\n\n", resp.Count)
	for _, v := range resp.Intents {
		renderIntent(&sb, v)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Balance struct {
			Address string `json:"address"`
			Free    string `json:"free"`
			OnHold  string `json:"onHold"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	b := resp.Balance
	return fmt.Sprintf("Account %s\n  Free: %s\n  On hold: %s", b.Address, b.Free, b.OnHold), nil
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
