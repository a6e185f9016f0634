package layerfs

import (
	"context"
	"strings"
)

// prefixedKey is the key under which a delegate root stores attribute name
// for the file at p.
func prefixedKey(p, name string) string {
	return strings.ReplaceAll(p, "/", "\\") + "\\" + name
}

// rawAttribute reads name for p on delegate d: first on its copy dn, then in
// the prefixed form on the delegate root.
func (m *MultiFS) rawAttribute(d FileSystem, dn *Node, p, name string) Value {
	if dn != nil {
		if v := dn.Attribute(name); !v.IsNull() {
			return v
		}
	}
	if p == "" {
		return Null
	}
	root := d.Root()
	if root == nil {
		return Null
	}
	return root.Attribute(prefixedKey(p, name))
}

func (m *MultiFS) attribute(n *Node, name string) Value {
	s := n.multi
	_, nodes, levels := s.snapshot()
	fss := m.Delegates()
	p := n.Path()

	first := -1
	for i := 0; i < levels && i < len(fss); i++ {
		if fss[i] != nil {
			first = i
			break
		}
	}
	if first < 0 {
		return Null
	}

	s.mu.RLock()
	cached := s.attrName == name && s.attrLevel == first
	s.mu.RUnlock()
	if cached {
		if v := m.rawAttribute(fss[first], nodeAt(nodes, first), p, name); !v.IsNull() {
			return devoidify(v)
		}
	}

	for i := 0; i < levels && i < len(fss); i++ {
		if fss[i] == nil {
			continue
		}
		v := m.rawAttribute(fss[i], nodeAt(nodes, i), p, name)
		if v.IsNull() {
			continue
		}
		if i == first {
			s.mu.Lock()
			s.attrName, s.attrLevel = name, i
			s.mu.Unlock()
		}
		// A void at level k>0 also ends the search and comes back as a void
		// at level k-1. Lower delegates are never consulted past a tombstone,
		// so the null an inner overlay stored stays shadowing once nested.
		return devoidify(v)
	}
	return Null
}

func nodeAt(nodes []*Node, i int) *Node {
	if i < len(nodes) {
		return nodes[i]
	}
	return nil
}

func (m *MultiFS) setAttribute(ctx context.Context, n *Node, name string, v Value) error {
	p := n.Path()
	wfs, err := m.writableFS(p)
	if err != nil {
		return err
	}
	old := m.attribute(n, name)

	var target *Node
	key := name
	_, nodes, _ := n.multi.snapshot()
	for _, d := range nodes {
		if d != nil && d.IsValid() && d.FileSystem() == wfs {
			target = d
			break
		}
	}
	if target == nil {
		// no copy on wfs: record the value on its root
		target = wfs.Root()
		key = prefixedKey(p, name)
	}
	if target == nil {
		return ErrInvalidState
	}

	ctx, act := beginAction(ctx, m, true)
	defer act.Finish()
	if err := target.SetAttribute(ctx, key, voidify(v)); err != nil {
		return err
	}
	n.multi.clearAttr()

	cur := m.attribute(n, name)
	if !old.Equal(cur) {
		n.fire(ctx, Event{Kind: AttributeChanged, Attribute: name, OldValue: old, NewValue: cur, Expected: true})
	}
	return nil
}

func (m *MultiFS) attributeNames(n *Node) []string {
	_, nodes, levels := n.multi.snapshot()
	fss := m.Delegates()
	p := n.Path()
	prefix := ""
	if p != "" {
		prefix = prefixedKey(p, "")
	}

	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if v := m.attribute(n, name); !v.IsNull() && !v.IsVoid() {
			names = append(names, name)
		}
	}
	for i := 0; i < levels && i < len(fss); i++ {
		if fss[i] == nil {
			continue
		}
		if dn := nodeAt(nodes, i); dn != nil {
			for _, name := range dn.AttributeNames() {
				add(name)
			}
		}
		if prefix == "" {
			continue
		}
		if root := fss[i].Root(); root != nil {
			for _, key := range root.AttributeNames() {
				if rest, ok := strings.CutPrefix(key, prefix); ok && rest != "" && !strings.Contains(rest, "\\") {
					add(rest)
				}
			}
		}
	}
	return names
}

// adoptPrefixed moves the attributes recorded for p on the root of wfs onto
// the fresh copy dst, where they take precedence over the copied values.
func (m *MultiFS) adoptPrefixed(ctx context.Context, wfs FileSystem, p string, dst *Node) error {
	root := wfs.Root()
	if root == nil || p == "" {
		return nil
	}
	prefix := prefixedKey(p, "")
	for _, key := range root.AttributeNames() {
		name, ok := strings.CutPrefix(key, prefix)
		if !ok || name == "" || strings.Contains(name, "\\") {
			continue
		}
		if err := dst.SetAttribute(ctx, name, root.Attribute(key)); err != nil {
			return err
		}
		if err := root.SetAttribute(ctx, key, Null); err != nil {
			return err
		}
	}
	return nil
}
