package groundedsync

import "strings"

// Content node types. A document's content is a tree: the root is a
// NodeDoc whose children are paragraphs; paragraphs hold text leaves and
// code marks; a code mark wraps the text it highlights.
const (
	NodeDoc       = "doc"
	NodeParagraph = "paragraph"
	NodeText      = "text"
	NodeCodeMark  = "code_mark"
)

// ContentNode is one node of a document's structural content tree. The
// tree is the unit the replication layer edits at fine grain; cleanup
// and export operate on it directly, never on rendered markup.
type ContentNode struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	CodeID   string         `json:"code_id,omitempty"`
	Children []*ContentNode `json:"children,omitempty"`
}

// NewDocContent returns an empty document content tree.
func NewDocContent() *ContentNode {
	return &ContentNode{Type: NodeDoc}
}

// Clone returns a deep copy of the tree.
func (n *ContentNode) Clone() *ContentNode {
	if n == nil {
		return nil
	}
	c := &ContentNode{Type: n.Type, Text: n.Text, CodeID: n.CodeID}
	if len(n.Children) > 0 {
		c.Children = make([]*ContentNode, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return c
}

// Equal reports structural equality of two trees.
func (n *ContentNode) Equal(o *ContentNode) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Type != o.Type || n.Text != o.Text || n.CodeID != o.CodeID ||
		len(n.Children) != len(o.Children) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// PlainText flattens the tree to its concatenated text content.
func (n *ContentNode) PlainText() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.appendText(&b)
	return b.String()
}

func (n *ContentNode) appendText(b *strings.Builder) {
	if n.Type == NodeText {
		b.WriteString(n.Text)
	}
	for _, child := range n.Children {
		child.appendText(b)
	}
	if n.Type == NodeParagraph {
		b.WriteString("\n")
	}
}

// ReferencesCode reports whether any node in the tree marks the given code.
func (n *ContentNode) ReferencesCode(codeID string) bool {
	if n == nil {
		return false
	}
	if n.Type == NodeCodeMark && n.CodeID == codeID {
		return true
	}
	for _, child := range n.Children {
		if child.ReferencesCode(codeID) {
			return true
		}
	}
	return false
}

// StripCodeMarks removes every mark node referencing codeID, hoisting the
// mark's children into its place so the highlighted text survives the
// code's deletion. Returns true if the tree changed.
func (n *ContentNode) StripCodeMarks(codeID string) bool {
	if n == nil {
		return false
	}
	changed := false
	out := make([]*ContentNode, 0, len(n.Children))
	for _, child := range n.Children {
		if child.StripCodeMarks(codeID) {
			changed = true
		}
		if child.Type == NodeCodeMark && child.CodeID == codeID {
			out = append(out, child.Children...)
			changed = true
			continue
		}
		out = append(out, child)
	}
	n.Children = out
	return changed
}

// MarkedSpans collects the plain text of every span marked with codeID,
// in document order. Used by report export to quote evidence.
func (n *ContentNode) MarkedSpans(codeID string) []string {
	var spans []string
	n.collectSpans(codeID, &spans)
	return spans
}

func (n *ContentNode) collectSpans(codeID string, spans *[]string) {
	if n == nil {
		return
	}
	if n.Type == NodeCodeMark && n.CodeID == codeID {
		var b strings.Builder
		for _, child := range n.Children {
			child.appendText(&b)
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			*spans = append(*spans, s)
		}
		return
	}
	for _, child := range n.Children {
		child.collectSpans(codeID, spans)
	}
}
