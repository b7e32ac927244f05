package groundedsync

import "testing"

func TestMergeOrderStability(t *testing.T) {
	existing := []string{"a", "b", "c"}
	current := []string{"a", "b", "d"}

	got := mergeOrder(existing, current)
	want := []string{"a", "b", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestMergeOrderPrunesDuplicates(t *testing.T) {
	got := mergeOrder([]string{"a", "a", "b"}, []string{"b", "a"})
	if len(got) != 2 {
		t.Fatalf("expected 2 ids, got %v", got)
	}
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
}

func TestMergeOrderAppendsNewInCurrentOrder(t *testing.T) {
	got := mergeOrder(nil, []string{"x", "y", "z"})
	if len(got) != 3 || got[0] != "x" || got[1] != "y" || got[2] != "z" {
		t.Errorf("expected [x y z], got %v", got)
	}
}

func TestOrdersDiffer(t *testing.T) {
	if ordersDiffer([]string{"a", "b"}, []string{"a", "b"}) {
		t.Error("identical orders reported as different")
	}
	if !ordersDiffer([]string{"a", "b"}, []string{"b", "a"}) {
		t.Error("reordered lists reported as equal")
	}
	if !ordersDiffer([]string{"a"}, []string{"a", "b"}) {
		t.Error("different lengths reported as equal")
	}
}

func TestProjectStateEqual(t *testing.T) {
	a := NewProjectState()
	a.Codes = append(a.Codes, Code{ID: "c1", Label: "Risk"})
	a.Theory = "emerging"

	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone not equal to original")
	}

	b.Codes[0].Label = "Trust"
	if a.Equal(b) {
		t.Error("label change not detected")
	}

	b = a.Clone()
	b.CoreCategoryDraft = "scratch"
	if !a.Equal(b) {
		t.Error("UI-only draft must not affect equality")
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := NewProjectState()
	a.Categories = append(a.Categories, Category{ID: "cat1", CodeIDs: []string{"c1"}})
	a.Contents["d1"] = &ContentNode{Type: NodeDoc, Children: []*ContentNode{
		{Type: NodeParagraph, Children: []*ContentNode{{Type: NodeText, Text: "hello"}}},
	}}

	b := a.Clone()
	b.Categories[0].CodeIDs[0] = "c2"
	b.Contents["d1"].Children[0].Children[0].Text = "bye"

	if a.Categories[0].CodeIDs[0] != "c1" {
		t.Error("category code ids shared between clones")
	}
	if a.Contents["d1"].Children[0].Children[0].Text != "hello" {
		t.Error("content trees shared between clones")
	}
}

func TestLiveCodeIDsFiltersDangling(t *testing.T) {
	s := NewProjectState()
	s.Codes = append(s.Codes, Code{ID: "c1"})
	cat := &Category{ID: "cat1", CodeIDs: []string{"c1", "ghost", "c1"}}

	live := s.LiveCodeIDs(cat)
	if len(live) != 2 || live[0] != "c1" {
		t.Errorf("expected dangling ids filtered, got %v", live)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewProjectState()
	s.Documents = append(s.Documents, Document{ID: "d1", Title: "Interview"})
	s.Contents["d1"] = &ContentNode{Type: NodeDoc, Children: []*ContentNode{
		{Type: NodeParagraph, Children: []*ContentNode{{Type: NodeText, Text: "text"}}},
	}}
	s.CoreCategoryID = "cat1"
	s.Theory = "theory"
	s.CoreCategoryDraft = "never persisted"

	data, err := s.MarshalSnapshot()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !s.Equal(got) {
		t.Error("round-tripped state differs")
	}
	if got.CoreCategoryDraft != "" {
		t.Error("UI-only draft leaked into snapshot")
	}
}
