package groundedsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Validation errors
var (
	ErrInvalidWorkspaceID = errors.New("invalid workspace id")
	ErrUnknownEntity      = errors.New("unknown entity id")
)

// Document is a source document in the workspace. Its rich content is
// replicated as an independent sub-structure keyed by the document id
// (see content.go), not as a scalar field on this record.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Code is a tag that can be applied to spans of document content.
type Code struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	FillColor   string `json:"fill_color"`
	TextColor   string `json:"text_color"`
	RingColor   string `json:"ring_color"`
}

// Category groups codes during axial coding. CodeIDs may transiently
// reference codes that no longer exist while concurrent add/delete races
// settle; consumers must filter dangling ids rather than error.
type Category struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Precondition string   `json:"precondition"`
	Action       string   `json:"action"`
	Consequence  string   `json:"consequence"`
	CodeIDs      []string `json:"code_ids"`
}

// MemoKind scopes a memo to a document, a category, or nothing.
type MemoKind string

const (
	MemoDocument MemoKind = "document"
	MemoCategory MemoKind = "category"
	MemoFree     MemoKind = "free"
)

// Memo is a free-form analytic note.
type Memo struct {
	ID        string   `json:"id"`
	Kind      MemoKind `json:"kind"`
	RefID     string   `json:"ref_id,omitempty"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// ProjectState is the plain entity model the application edits. Slice
// order is authoritative for display; the replication layer tracks it in
// separate order lists and reconciles with stable-merge (see adapter.go).
type ProjectState struct {
	Documents  []Document  `json:"documents"`
	Codes      []Code      `json:"codes"`
	Categories []Category  `json:"categories"`
	Memos      []Memo      `json:"memos"`

	// Contents maps document id to its structural content tree.
	Contents map[string]*ContentNode `json:"contents,omitempty"`

	// CoreCategoryID is the selected core category, or empty.
	CoreCategoryID string `json:"core_category_id"`

	// Theory is the collaboratively-typed theory narrative.
	Theory string `json:"theory"`

	// CoreCategoryDraft is UI-only scratch state for creating a core
	// category by name. Never replicated, never persisted.
	CoreCategoryDraft string `json:"-"`
}

// NewProjectState returns an empty project.
func NewProjectState() *ProjectState {
	return &ProjectState{Contents: make(map[string]*ContentNode)}
}

// NewEntityID returns a fresh unique entity id.
func NewEntityID() string {
	return uuid.NewString()
}

// Now returns the current time in unix milliseconds, the timestamp unit
// used on memos and presence records.
func Now() int64 {
	return time.Now().UnixMilli()
}

// DocumentByID returns the document with the given id.
func (p *ProjectState) DocumentByID(id string) (*Document, bool) {
	for i := range p.Documents {
		if p.Documents[i].ID == id {
			return &p.Documents[i], true
		}
	}
	return nil, false
}

// CodeByID returns the code with the given id.
func (p *ProjectState) CodeByID(id string) (*Code, bool) {
	for i := range p.Codes {
		if p.Codes[i].ID == id {
			return &p.Codes[i], true
		}
	}
	return nil, false
}

// CategoryByID returns the category with the given id.
func (p *ProjectState) CategoryByID(id string) (*Category, bool) {
	for i := range p.Categories {
		if p.Categories[i].ID == id {
			return &p.Categories[i], true
		}
	}
	return nil, false
}

// MemoByID returns the memo with the given id.
func (p *ProjectState) MemoByID(id string) (*Memo, bool) {
	for i := range p.Memos {
		if p.Memos[i].ID == id {
			return &p.Memos[i], true
		}
	}
	return nil, false
}

// LiveCodeIDs filters cat.CodeIDs down to codes that currently exist,
// preserving order. Dangling ids are skipped, not errors.
func (p *ProjectState) LiveCodeIDs(cat *Category) []string {
	out := make([]string, 0, len(cat.CodeIDs))
	for _, id := range cat.CodeIDs {
		if _, ok := p.CodeByID(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a deep copy of the project state.
func (p *ProjectState) Clone() *ProjectState {
	c := &ProjectState{
		Documents:         append([]Document(nil), p.Documents...),
		Codes:             append([]Code(nil), p.Codes...),
		Categories:        make([]Category, len(p.Categories)),
		Memos:             append([]Memo(nil), p.Memos...),
		Contents:          make(map[string]*ContentNode, len(p.Contents)),
		CoreCategoryID:    p.CoreCategoryID,
		Theory:            p.Theory,
		CoreCategoryDraft: p.CoreCategoryDraft,
	}
	for i, cat := range p.Categories {
		c.Categories[i] = cat
		c.Categories[i].CodeIDs = append([]string(nil), cat.CodeIDs...)
	}
	for id, node := range p.Contents {
		c.Contents[id] = node.Clone()
	}
	return c
}

// Equal reports field-by-field equality of the replicated and
// history-tracked parts of two states. CoreCategoryDraft is excluded:
// it is UI-only scratch state.
func (p *ProjectState) Equal(o *ProjectState) bool {
	if len(p.Documents) != len(o.Documents) ||
		len(p.Codes) != len(o.Codes) ||
		len(p.Categories) != len(o.Categories) ||
		len(p.Memos) != len(o.Memos) ||
		p.CoreCategoryID != o.CoreCategoryID ||
		p.Theory != o.Theory {
		return false
	}
	for i := range p.Documents {
		if p.Documents[i] != o.Documents[i] {
			return false
		}
	}
	for i := range p.Codes {
		if p.Codes[i] != o.Codes[i] {
			return false
		}
	}
	for i := range p.Categories {
		a, b := p.Categories[i], o.Categories[i]
		if a.ID != b.ID || a.Name != b.Name || a.Precondition != b.Precondition ||
			a.Action != b.Action || a.Consequence != b.Consequence ||
			len(a.CodeIDs) != len(b.CodeIDs) {
			return false
		}
		for j := range a.CodeIDs {
			if a.CodeIDs[j] != b.CodeIDs[j] {
				return false
			}
		}
	}
	for i := range p.Memos {
		if p.Memos[i] != o.Memos[i] {
			return false
		}
	}
	if len(p.Contents) != len(o.Contents) {
		return false
	}
	for id, node := range p.Contents {
		other, ok := o.Contents[id]
		if !ok || !node.Equal(other) {
			return false
		}
	}
	return true
}

// MarshalSnapshot serializes the project for persistence.
func (p *ProjectState) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot deserializes a persisted project snapshot.
func UnmarshalSnapshot(data []byte) (*ProjectState, error) {
	p := NewProjectState()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if p.Contents == nil {
		p.Contents = make(map[string]*ContentNode)
	}
	return p, nil
}

// mergeOrder applies the stable-merge rule to an order list: ids already
// in existing that are still present keep their relative order, then ids
// present but not yet tracked are appended in their current order.
// Duplicates and stale ids are pruned.
func mergeOrder(existing, current []string) []string {
	present := make(map[string]bool, len(current))
	for _, id := range current {
		present[id] = true
	}
	merged := make([]string, 0, len(current))
	seen := make(map[string]bool, len(current))
	for _, id := range existing {
		if present[id] && !seen[id] {
			merged = append(merged, id)
			seen[id] = true
		}
	}
	for _, id := range current {
		if !seen[id] {
			merged = append(merged, id)
			seen[id] = true
		}
	}
	return merged
}

// ordersDiffer reports whether two order lists differ in length or in
// any position.
func ordersDiffer(a, b []string) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}
