package mcp

import "github.com/mark3labs/mcp-go/mcp"

var listToolsTool = mcp.NewTool("list_tools",
	mcp.WithDescription("List the published internal tools you can access, with their record fields."),
)

var describeToolTool = mcp.NewTool("describe_tool",
	mcp.WithDescription("Get one tool's fields, actions and what you are allowed to do with its records."),
	mcp.WithString("tool_id",
		mcp.Required(),
		mcp.Description("Tool id, as returned by list_tools"),
	),
)

var queryRecordsTool = mcp.NewTool("query_records",
	mcp.WithDescription("Query the records of a tool. Returns one page of records as JSON plus the total count."),
	mcp.WithString("tool_id",
		mcp.Required(),
		mcp.Description("Tool id, as returned by list_tools"),
	),
	mcp.WithString("search",
		mcp.Description("Free-text search over the tool's searchable fields"),
	),
	mcp.WithString("filters",
		mcp.Description(`JSON array of {"field","operator","value"}; operators: equals, contains, in, gte, lte, between`),
	),
	mcp.WithString("sort",
		mcp.Description("Field to sort by"),
	),
	mcp.WithString("sort_dir",
		mcp.Description("Sort direction"),
		mcp.Enum("asc", "desc"),
	),
	mcp.WithNumber("page",
		mcp.Description("Page number, starting at 1"),
	),
	mcp.WithNumber("page_size",
		mcp.Description("Records per page (default: the tool's page size)"),
	),
)

var getRecordTool = mcp.NewTool("get_record",
	mcp.WithDescription("Get one record by id."),
	mcp.WithString("tool_id",
		mcp.Required(),
		mcp.Description("Tool id"),
	),
	mcp.WithString("record_id",
		mcp.Required(),
		mcp.Description("Record id (the _id property)"),
	),
)

var recordHistoryTool = mcp.NewTool("record_history",
	mcp.WithDescription("Get the audit trail of one record, newest first: who changed which fields, and when."),
	mcp.WithString("tool_id",
		mcp.Required(),
		mcp.Description("Tool id"),
	),
	mcp.WithString("record_id",
		mcp.Required(),
		mcp.Description("Record id (the _id property)"),
	),
)
