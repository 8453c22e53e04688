package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the privgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckAccess = mcp.NewTool("check_access",
	mcp.WithDescription(
		"Evaluate an access request through the privacy-aware decision engine. "+
			"Checks subject consent, segmentation policy, and contextual risk, "+
			"and returns an ALLOW, DENY, or CONDITIONAL verdict with a risk score."),
	mcp.WithString("subject",
		mcp.Required(),
		mcp.Description("The data subject whose data is being accessed (e.g. 'user-4821')")),
	mcp.WithString("source_service",
		mcp.Required(),
		mcp.Description("Service initiating the access (e.g. 'reporting')")),
	mcp.WithString("destination_service",
		mcp.Required(),
		mcp.Description("Service holding the data (e.g. 'warehouse')")),
	mcp.WithString("resource",
		mcp.Description("Resource being accessed (e.g. 'profile', 'metrics')")),
	mcp.WithString("operation",
		mcp.Description("Operation being performed: 'read', 'write', 'delete'")),
	mcp.WithString("purposes",
		mcp.Description("Comma-separated processing purposes to check consent for (e.g. 'analytics,marketing')")),
	mcp.WithNumber("device_trust",
		mcp.Description("Device trust score 0-100. Defaults to 50 if omitted.")),
	mcp.WithString("network_type",
		mcp.Description("Network the request originates from"),
		mcp.Enum("corporate", "vpn", "public", "unknown")),
)

var ToolRunPrivateQuery = mcp.NewTool("run_private_query",
	mcp.WithDescription(
		"Run a differentially private analytics query. "+
			"Calibrated noise is added to the raw values and the entity's daily "+
			"privacy budget is charged. Returns the noised values and the formal "+
			"privacy guarantee, or a budget_exceeded error if the entity is out of budget."),
	mcp.WithString("entity",
		mcp.Required(),
		mcp.Description("Budget entity the query is charged against (e.g. a dataset or department ID)")),
	mcp.WithString("query_type",
		mcp.Required(),
		mcp.Description("Statistical query type"),
		mcp.Enum("count", "sum", "average", "histogram", "quantile")),
	mcp.WithNumber("epsilon",
		mcp.Required(),
		mcp.Description("Privacy parameter epsilon. Smaller values add more noise (typical: 0.1 to 1.0).")),
	mcp.WithNumber("delta",
		mcp.Description("Optional delta for (epsilon, delta)-DP via the Gaussian mechanism. Omit for pure epsilon-DP.")),
	mcp.WithArray("values",
		mcp.Required(),
		mcp.Description("Raw aggregate values to privatize (e.g. [120] for a count, or histogram bucket counts)")),
	mcp.WithNumber("dataset_size",
		mcp.Description("Number of records in the dataset. Required for 'average' queries.")),
)

var ToolGetConsent = mcp.NewTool("get_consent",
	mcp.WithDescription(
		"Look up the consent record for a data subject. "+
			"Shows which processing purposes the subject has granted and when the record last changed."),
	mcp.WithString("subject",
		mcp.Required(),
		mcp.Description("The data subject's identifier")),
)

var ToolUpdateConsent = mcp.NewTool("update_consent",
	mcp.WithDescription(
		"Replace the set of processing purposes a data subject has granted. "+
			"The new set fully replaces the old one; pass an empty list to revoke all consent. "+
			"Takes effect immediately for subsequent access decisions."),
	mcp.WithString("subject",
		mcp.Required(),
		mcp.Description("The data subject's identifier")),
	mcp.WithString("purposes",
		mcp.Required(),
		mcp.Description("Comma-separated purposes to grant (e.g. 'analytics,personalization'). Empty string revokes everything.")),
)

var ToolBudgetStatus = mcp.NewTool("budget_status",
	mcp.WithDescription(
		"Check the remaining daily privacy budget for an entity. "+
			"Shows epsilon spent, queries run today, remaining budget, and when the budget resets."),
	mcp.WithString("entity",
		mcp.Required(),
		mcp.Description("The budget entity's identifier")),
)

var ToolEngineStats = mcp.NewTool("engine_stats",
	mcp.WithDescription(
		"Get decision engine operational statistics: per-operation timing breakdowns, "+
			"consent cache hit rate, and active privacy budgets."),
)
