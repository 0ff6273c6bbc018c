package report

import "github.com/danshapiro/analyst/internal/failure"

type template struct {
	message  string
	guidance string
}

// templates holds the only text that reaches users for a failure. Raw
// failure text stays in TechnicalDetail.
var templates = map[failure.Key]template{
	{Kind: failure.KindData, FixTag: failure.FixSchemaMapping}: {
		message:  "The analysis referred to a column that does not exist in your data.",
		guidance: "Check the column names in your question against the dataset, or name the column exactly as it appears.",
	},
	{Kind: failure.KindData, FixTag: failure.FixNone}: {
		message:  "The data contained values the analysis could not compute with, such as a division by zero.",
		guidance: "Look for empty groups or zero values in the columns used and filter them out.",
	},
	{Kind: failure.KindCode, FixTag: failure.FixScalarSafety}: {
		message:  "The generated analysis treated a single value as a list or table.",
		guidance: "Rephrasing the question to ask for one aggregate at a time usually avoids this.",
	},
	{Kind: failure.KindCode, FixTag: failure.FixSyntax}: {
		message:  "The generated analysis was not well-formed.",
		guidance: "Try asking again; simpler questions produce simpler analyses.",
	},
	{Kind: failure.KindCode, FixTag: failure.FixSandboxPolicy}: {
		message:  "The generated analysis tried to use a capability that is not allowed, such as file or network access.",
		guidance: "Analyses may only read the loaded datasets; ask about the data itself.",
	},
	{Kind: failure.KindCode, FixTag: failure.FixTypeCast}: {
		message:  "Some values could not be converted to the type the analysis expected.",
		guidance: "Check that numeric columns contain only numbers.",
	},
	{Kind: failure.KindCode, FixTag: failure.FixResultContract}: {
		message:  "The generated analysis finished without producing an answer.",
		guidance: "Try asking again with a more specific question.",
	},
	{Kind: failure.KindCode, FixTag: failure.FixNone}: {
		message:  "The generated analysis contained an error.",
		guidance: "Try asking again; rephrasing the question often helps.",
	},
	{Kind: failure.KindTimeout, FixTag: failure.FixSimplify}: {
		message:  "The analysis took longer than the time limit allows.",
		guidance: "Narrow the question to fewer columns, rows or groups.",
	},
	{Kind: failure.KindNetwork, FixTag: failure.FixBackoff}: {
		message:  "The analysis service was temporarily unavailable or rate limited.",
		guidance: "Wait a moment and try again.",
	},
	{Kind: failure.KindNetwork, FixTag: failure.FixNone}: {
		message:  "The analysis service rejected the request.",
		guidance: "Contact your administrator; the service credentials may need attention.",
	},
	{Kind: failure.KindResource, FixTag: failure.FixNone}: {
		message:  "The analysis needed more memory or computation than is allowed.",
		guidance: "Ask about a smaller part of the data or a simpler aggregate.",
	},
	{Kind: failure.KindUnknown, FixTag: failure.FixNone}: {
		message:  "An unexpected problem interrupted the analysis.",
		guidance: "Try again; if the problem persists, report it with the technical details.",
	},
}

// templateFor falls back to the kind's untagged template, then to the
// unknown template.
func templateFor(k failure.Key) template {
	if t, ok := templates[k]; ok {
		return t
	}
	if t, ok := templates[failure.Key{Kind: k.Kind}]; ok {
		return t
	}
	return templates[failure.Key{Kind: failure.KindUnknown}]
}
