package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the swap coordinator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your account's custody balance on the swap coordinator. "+
			"Shows free funds and amounts locked under escrow holds."),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up one escrow by its ID. "+
			"Shows the hashlock, both parties, amounts, timelock windows, and current status."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow's content-address ID (0x + 64 hex chars)")),
)

var ToolGetIntent = mcp.NewTool("get_intent",
	mcp.WithDescription(
		"Look up one swap intent by its key. "+
			"Shows the maker's offer, its status, and the resolver and escrow once fulfilled."),
	mcp.WithString("intent_key",
		mcp.Required(),
		mcp.Description("The intent's key (0x + 64 hex chars)")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows involving an account as maker or taker, newest first."),
	mcp.WithString("address",
		mcp.Description("Account address to list for. Defaults to your own account.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 50)")),
)

var ToolListIntents = mcp.NewTool("list_intents",
	mcp.WithDescription(
		"List a maker's swap intents, newest first. "+
			"Use this to review your open offers or browse another maker's."),
	mcp.WithString("address",
		mcp.Description("Maker address to list for. Defaults to your own account.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of intents to return (default 50)")),
)

var ToolNetworkStatus = mcp.NewTool("network_status",
	mcp.WithDescription(
		"Get the coordinator's chain clock mode and current block height. "+
			"Timelock windows are expressed in this height."),
)

var ToolCreateIntent = mcp.NewTool("create_intent",
	mcp.WithDescription(
		"Publish a swap intent: offer src_amount on this ledger in exchange for "+
			"dst_amount delivered to dst_address on the counterparty ledger. "+
			"Your src_amount is locked until the swap completes, you cancel, or the timeout passes."),
	mcp.WithString("hashlock",
		mcp.Required(),
		mcp.Description("BLAKE2b-256 hash of your secret (0x + 64 hex chars). Keep the secret private until withdrawal.")),
	mcp.WithString("src_amount",
		mcp.Required(),
		mcp.Description("Amount offered, in base units (e.g. '500')")),
	mcp.WithString("dst_amount",
		mcp.Required(),
		mcp.Description("Amount expected on the counterparty ledger, in base units")),
	mcp.WithString("dst_address",
		mcp.Required(),
		mcp.Description("Your receiving address on the counterparty ledger")),
	mcp.WithNumber("timeout_after_block",
		mcp.Required(),
		mcp.Description("Block height after which the unfulfilled intent expires. Must be in the future.")),
	mcp.WithNumber("nonce",
		mcp.Description("Disambiguates concurrent intents from the same maker (default 0)")),
)

var ToolCancelIntent = mcp.NewTool("cancel_intent",
	mcp.WithDescription(
		"Cancel one of your active swap intents and unlock its amount. "+
			"Fails once a resolver has taken the intent in progress."),
	mcp.WithNumber("nonce",
		mcp.Required(),
		mcp.Description("The nonce the intent was created with")),
)

var ToolFulfillIntent = mcp.NewTool("fulfill_intent",
	mcp.WithDescription(
		"Take an active swap intent as the resolver. "+
			"Creates the source escrow with you as taker and locks your safety deposit. "+
			"You must also fund the destination side, then withdraw here once the maker reveals the secret."),
	mcp.WithString("maker",
		mcp.Required(),
		mcp.Description("The intent maker's address")),
	mcp.WithNumber("nonce",
		mcp.Description("The intent's nonce (default 0)")),
	mcp.WithString("safety_deposit",
		mcp.Required(),
		mcp.Description("Your safety deposit in base units. Forfeited to a rescuer if you disappear after the secret is revealed.")),
	mcp.WithNumber("withdrawal_after",
		mcp.Required(),
		mcp.Description("Block height opening your exclusive withdrawal window")),
	mcp.WithNumber("public_withdrawal_after",
		mcp.Required(),
		mcp.Description("Block height opening the public rescue window")),
	mcp.WithNumber("cancellation_after",
		mcp.Required(),
		mcp.Description("Block height after which the escrow can be cancelled")),
)

var ToolWithdrawEscrow = mcp.NewTool("withdraw_escrow",
	mcp.WithDescription(
		"Complete an escrow by revealing the secret. "+
			"Pays the swap amount to its beneficiary and returns your safety deposit. "+
			"The immutables must match the escrow exactly, including the stamped deployed_at height."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow's ID (0x + 64 hex chars)")),
	mcp.WithObject("immutables",
		mcp.Required(),
		mcp.Description("The escrow's full parameter set: order_hash, hashlock, maker, taker, amount, safety_deposit, deployed_at, withdrawal_after, public_withdrawal_after, cancellation_after")),
	mcp.WithString("secret",
		mcp.Required(),
		mcp.Description("The hex-encoded preimage of the escrow's hashlock")),
)
