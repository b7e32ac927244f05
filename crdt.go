package groundedsync

import (
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// Root keys of the replicated document. Each collection is a pair: an
// id-keyed map of records plus a separate order list, because the CRDT
// has no native ordered map. Content trees live under "contents" keyed
// by document id, independent sub-structures the text editor edits at
// fine grain.
const (
	keyDocuments      = "documents"
	keyDocumentOrder  = "documentsOrder"
	keyCodes          = "codes"
	keyCodeOrder      = "codesOrder"
	keyCategories     = "categories"
	keyCategoryOrder  = "categoriesOrder"
	keyMemos          = "memos"
	keyMemoOrder      = "memosOrder"
	keyContents       = "contents"
	keyCoreCategoryID = "coreCategoryId"
	keyTheory         = "theory"
)

// ensureMap returns the map at key under root, creating it if absent.
func ensureMap(root *automerge.Map, key string) (*automerge.Map, error) {
	v, err := root.Get(key)
	if err != nil {
		return nil, fmt.Errorf("crdt get %q: %w", key, err)
	}
	if v.Kind() == automerge.KindMap {
		return v.Map(), nil
	}
	if err := root.Set(key, automerge.NewMap()); err != nil {
		return nil, fmt.Errorf("crdt init %q: %w", key, err)
	}
	v, err = root.Get(key)
	if err != nil {
		return nil, fmt.Errorf("crdt get %q: %w", key, err)
	}
	return v.Map(), nil
}

// ensureText returns the text object at key under m, creating it with
// the given initial value if absent.
func ensureText(m *automerge.Map, key, initial string) (*automerge.Text, error) {
	v, err := m.Get(key)
	if err != nil {
		return nil, fmt.Errorf("crdt get text %q: %w", key, err)
	}
	if v.Kind() == automerge.KindText {
		return v.Text(), nil
	}
	if err := m.Set(key, automerge.NewText(initial)); err != nil {
		return nil, fmt.Errorf("crdt init text %q: %w", key, err)
	}
	v, err = m.Get(key)
	if err != nil {
		return nil, fmt.Errorf("crdt get text %q: %w", key, err)
	}
	return v.Text(), nil
}

// setStr writes a string field only when the stored value differs.
// Unconditional rewrites, even of an equal value, perturb the CRDT's
// version state and can duplicate merges for two peers writing the same
// value simultaneously.
func setStr(m *automerge.Map, key, val string) (bool, error) {
	v, err := m.Get(key)
	if err != nil {
		return false, fmt.Errorf("crdt get %q: %w", key, err)
	}
	if v.Kind() == automerge.KindStr && v.Str() == val {
		return false, nil
	}
	if err := m.Set(key, val); err != nil {
		return false, fmt.Errorf("crdt set %q: %w", key, err)
	}
	return true, nil
}

// setInt writes an integer field only when the stored value differs.
func setInt(m *automerge.Map, key string, val int64) (bool, error) {
	v, err := m.Get(key)
	if err != nil {
		return false, fmt.Errorf("crdt get %q: %w", key, err)
	}
	if v.Kind() == automerge.KindInt64 && v.Int64() == val {
		return false, nil
	}
	if err := m.Set(key, val); err != nil {
		return false, fmt.Errorf("crdt set %q: %w", key, err)
	}
	return true, nil
}

// setTextValue splices a text object toward the desired value, touching
// only the changed middle span so concurrent keystrokes merge
// character-wise instead of clobbering.
func setTextValue(t *automerge.Text, desired string) (bool, error) {
	current, err := t.Get()
	if err != nil {
		return false, fmt.Errorf("crdt read text: %w", err)
	}
	if current == desired {
		return false, nil
	}
	cur := []rune(current)
	want := []rune(desired)

	prefix := 0
	for prefix < len(cur) && prefix < len(want) && cur[prefix] == want[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(cur)-prefix && suffix < len(want)-prefix &&
		cur[len(cur)-1-suffix] == want[len(want)-1-suffix] {
		suffix++
	}
	del := len(cur) - prefix - suffix
	insert := string(want[prefix : len(want)-suffix])
	if err := t.Splice(prefix, del, insert); err != nil {
		return false, fmt.Errorf("crdt splice text: %w", err)
	}
	return true, nil
}

// strField reads a string field, falling back when absent or mistyped.
func strField(m *automerge.Map, key, fallback string) string {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		return fallback
	}
	return v.Str()
}

// intField reads an integer field, falling back when absent or mistyped.
func intField(m *automerge.Map, key string, fallback int64) int64 {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindInt64 {
		return fallback
	}
	return v.Int64()
}

// textField reads a collaborative text field, falling back when absent.
func textField(m *automerge.Map, key, fallback string) string {
	v, err := m.Get(key)
	if err != nil {
		return fallback
	}
	switch v.Kind() {
	case automerge.KindText:
		s, err := v.Text().Get()
		if err != nil {
			return fallback
		}
		return s
	case automerge.KindStr:
		return v.Str()
	default:
		return fallback
	}
}

// setOrderList replaces the whole order list in one operation when the
// desired order differs in length or any position. Partial patches of
// order lists under concurrent edits are a correctness hazard.
func setOrderList(root *automerge.Map, key string, desired []string) (bool, error) {
	current := readOrderList(root, key)
	if !ordersDiffer(current, desired) {
		return false, nil
	}
	if err := root.Set(key, desired); err != nil {
		return false, fmt.Errorf("crdt set order %q: %w", key, err)
	}
	return true, nil
}

// readOrderList reads an order list, tolerating absence.
func readOrderList(root *automerge.Map, key string) []string {
	v, err := root.Get(key)
	if err != nil || v.Kind() != automerge.KindList {
		return nil
	}
	values, err := v.List().Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, item := range values {
		if item.Kind() == automerge.KindStr {
			out = append(out, item.Str())
		}
	}
	return out
}

// readStringList reads a list of strings from a record field.
func readStringList(m *automerge.Map, key string) []string {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindList {
		return nil
	}
	values, err := v.List().Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, item := range values {
		if item.Kind() == automerge.KindStr {
			out = append(out, item.Str())
		}
	}
	return out
}

// setStringList replaces a record's string-list field when it differs.
func setStringList(m *automerge.Map, key string, desired []string) (bool, error) {
	if !ordersDiffer(readStringList(m, key), desired) {
		return false, nil
	}
	if err := m.Set(key, desired); err != nil {
		return false, fmt.Errorf("crdt set list %q: %w", key, err)
	}
	return true, nil
}

// sortedKeys returns a map's record ids in deterministic order, so two
// peers appending untracked ids during decode agree on the result.
func sortedKeys(m *automerge.Map) ([]string, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, fmt.Errorf("crdt keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// recordMap returns the record map stored under id, or nil when the
// record is absent or not yet a map (a partially-initialized remote
// record decodes as absent and falls back to previous local values).
func recordMap(coll *automerge.Map, id string) *automerge.Map {
	v, err := coll.Get(id)
	if err != nil || v.Kind() != automerge.KindMap {
		return nil
	}
	return v.Map()
}

// encodeContentNode writes a content tree under parent[key], replacing
// whatever was there. Text leaves become collaborative text objects.
func encodeContentNode(parent *automerge.Map, key string, node *ContentNode) error {
	if err := parent.Set(key, map[string]any{"type": node.Type}); err != nil {
		return fmt.Errorf("crdt set content node: %w", err)
	}
	nm := recordMap(parent, key)
	if nm == nil {
		return fmt.Errorf("crdt content node %q not a map", key)
	}
	return fillContentNode(nm, node)
}

func fillContentNode(nm *automerge.Map, node *ContentNode) error {
	if node.Type == NodeText {
		if err := nm.Set("text", automerge.NewText(node.Text)); err != nil {
			return fmt.Errorf("crdt set content text: %w", err)
		}
	}
	if node.CodeID != "" {
		if err := nm.Set("code_id", node.CodeID); err != nil {
			return fmt.Errorf("crdt set content code: %w", err)
		}
	}
	if len(node.Children) == 0 {
		return nil
	}
	if err := nm.Set("children", []any{}); err != nil {
		return fmt.Errorf("crdt set content children: %w", err)
	}
	cv, err := nm.Get("children")
	if err != nil || cv.Kind() != automerge.KindList {
		return fmt.Errorf("crdt content children not a list")
	}
	list := cv.List()
	for i, child := range node.Children {
		if err := list.Append(map[string]any{"type": child.Type}); err != nil {
			return fmt.Errorf("crdt append content child: %w", err)
		}
		item, err := list.Get(i)
		if err != nil || item.Kind() != automerge.KindMap {
			return fmt.Errorf("crdt content child %d not a map", i)
		}
		if err := fillContentNode(item.Map(), child); err != nil {
			return err
		}
	}
	return nil
}

// decodeContentNode reads a content tree back out of the document.
func decodeContentNode(nm *automerge.Map) *ContentNode {
	node := &ContentNode{
		Type:   strField(nm, "type", NodeText),
		CodeID: strField(nm, "code_id", ""),
	}
	node.Text = textField(nm, "text", "")
	cv, err := nm.Get("children")
	if err == nil && cv.Kind() == automerge.KindList {
		values, err := cv.List().Values()
		if err == nil {
			for _, item := range values {
				if item.Kind() == automerge.KindMap {
					node.Children = append(node.Children, decodeContentNode(item.Map()))
				}
			}
		}
	}
	return node
}

// sameShape reports whether two trees share structure (types, code ids,
// child counts), ignoring text. When shape matches, only text leaves are
// spliced; otherwise the whole subtree is replaced.
func sameShape(a, b *ContentNode) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type != b.Type || a.CodeID != b.CodeID || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !sameShape(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// spliceContentText walks matching trees splicing changed text leaves.
func spliceContentText(nm *automerge.Map, desired *ContentNode) (bool, error) {
	changed := false
	if desired.Type == NodeText {
		t, err := ensureText(nm, "text", "")
		if err != nil {
			return changed, err
		}
		c, err := setTextValue(t, desired.Text)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	if len(desired.Children) > 0 {
		cv, err := nm.Get("children")
		if err != nil || cv.Kind() != automerge.KindList {
			return changed, nil
		}
		list := cv.List()
		for i, child := range desired.Children {
			item, err := list.Get(i)
			if err != nil || item.Kind() != automerge.KindMap {
				continue
			}
			c, err := spliceContentText(item.Map(), child)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
	}
	return changed, nil
}
