package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Hearth MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckWallet = mcp.NewTool("check_wallet",
	mcp.WithDescription(
		"Check your Hearth wallet balance. Amounts are integer minor units (cents)."),
)

var ToolTopUpWallet = mcp.NewTool("top_up_wallet",
	mcp.WithDescription(
		"Start a card payment that adds funds to your wallet. "+
			"Returns a client secret to complete the payment; the balance is credited once the provider confirms it."),
	mcp.WithNumber("amount_minor_units",
		mcp.Required(),
		mcp.Description("Amount in minor units, e.g. 5000 for 50.00")),
	mcp.WithString("currency",
		mcp.Description("ISO currency code (default: the platform currency)")),
)

var ToolListBookings = mcp.NewTool("list_bookings",
	mcp.WithDescription(
		"List your bookings, as a renter (default) or as a host."),
	mcp.WithString("role",
		mcp.Description("Whose bookings to list"),
		mcp.Enum("renter", "host")),
)

var ToolGetBooking = mcp.NewTool("get_booking",
	mcp.WithDescription(
		"Show a booking's dates, price and status (PENDING, CONFIRMED, CANCELLED or COMPLETED)."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID, e.g. 'bkg_...'")),
)

var ToolCheckAvailability = mcp.NewTool("check_availability",
	mcp.WithDescription(
		"Check whether a listing is free between two dates. The check-out night is not included."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("The listing ID")),
	mcp.WithString("check_in",
		mcp.Required(),
		mcp.Description("Check-in date, YYYY-MM-DD")),
	mcp.WithString("check_out",
		mcp.Required(),
		mcp.Description("Check-out date, YYYY-MM-DD")),
)

var ToolCancelBooking = mcp.NewTool("cancel_booking",
	mcp.WithDescription(
		"Cancel a PENDING or CONFIRMED booking. An open card authorization is released; "+
			"a captured payment is refunded in full."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID")),
	mcp.WithString("reason",
		mcp.Description("Why the booking is cancelled")),
)

var ToolGetHold = mcp.NewTool("get_hold",
	mcp.WithDescription(
		"Show an escrow hold: amount, refunded amount and status (CREATED, AUTHORIZED, CAPTURED, CANCELLED or REFUNDED)."),
	mcp.WithString("hold_id",
		mcp.Required(),
		mcp.Description("The hold ID, e.g. 'hold_...'")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Operator only. Release escrow left behind by cancelled bookings, cancel abandoned payments "+
			"and check every wallet balance against its ledger."),
)
