package groundedsync

import (
	"fmt"
	"strings"
)

// BuildReport assembles the workspace into a markdown report: the theory
// narrative first, then each category with its narrative fields and
// member codes, each code quoting the document spans marked with it.
// Dangling code references are filtered, never errors.
func BuildReport(state *ProjectState) string {
	var b strings.Builder

	b.WriteString("# Grounded Theory Report\n\n")

	if strings.TrimSpace(state.Theory) != "" {
		b.WriteString("## Theory\n\n")
		b.WriteString(strings.TrimSpace(state.Theory))
		b.WriteString("\n\n")
	}

	if core, ok := state.CategoryByID(state.CoreCategoryID); ok {
		fmt.Fprintf(&b, "Core category: **%s**\n\n", core.Name)
	}

	for i := range state.Categories {
		cat := &state.Categories[i]
		fmt.Fprintf(&b, "## %s\n\n", cat.Name)
		writeNarrative(&b, "Precondition", cat.Precondition)
		writeNarrative(&b, "Action", cat.Action)
		writeNarrative(&b, "Consequence", cat.Consequence)

		for _, codeID := range state.LiveCodeIDs(cat) {
			code, _ := state.CodeByID(codeID)
			writeCodeSection(&b, state, code)
		}
	}

	if uncat := uncategorizedCodes(state); len(uncat) > 0 {
		b.WriteString("## Uncategorized codes\n\n")
		for _, code := range uncat {
			writeCodeSection(&b, state, code)
		}
	}

	return b.String()
}

func writeNarrative(b *strings.Builder, label, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	fmt.Fprintf(b, "*%s:* %s\n\n", label, strings.TrimSpace(text))
}

func writeCodeSection(b *strings.Builder, state *ProjectState, code *Code) {
	fmt.Fprintf(b, "### %s\n\n", code.Label)
	if strings.TrimSpace(code.Description) != "" {
		b.WriteString(strings.TrimSpace(code.Description))
		b.WriteString("\n\n")
	}
	for _, doc := range state.Documents {
		tree, ok := state.Contents[doc.ID]
		if !ok {
			continue
		}
		for _, span := range tree.MarkedSpans(code.ID) {
			fmt.Fprintf(b, "> %s\n>\n> - %s\n\n", span, doc.Title)
		}
	}
}

func uncategorizedCodes(state *ProjectState) []*Code {
	member := make(map[string]bool)
	for i := range state.Categories {
		for _, id := range state.Categories[i].CodeIDs {
			member[id] = true
		}
	}
	var out []*Code
	for i := range state.Codes {
		if !member[state.Codes[i].ID] {
			out = append(out, &state.Codes[i])
		}
	}
	return out
}
