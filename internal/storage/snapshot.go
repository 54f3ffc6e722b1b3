package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Snapshot: неизменяемый срез дерева по пути на момент чтения.
type Snapshot struct {
	path   string
	leaves map[string]json.RawMessage
}

// NewSnapshot строит снимок из листьев, прочитанных бэкендом по path.
func NewSnapshot(path string, leaves map[string]json.RawMessage) Snapshot {
	if leaves == nil {
		leaves = map[string]json.RawMessage{}
	}
	return Snapshot{path: path, leaves: leaves}
}

func (s Snapshot) Path() string { return s.path }

// Key: последний сегмент пути (для узлов, полученных через Children).
func (s Snapshot) Key() string { return LastSegment(s.path) }

func (s Snapshot) Exists() bool { return len(s.leaves) > 0 }

// Child возвращает снимок дочернего узла; name может содержать "/".
func (s Snapshot) Child(name string) Snapshot {
	p := s.path + "/" + strings.Trim(name, "/")
	sub := make(map[string]json.RawMessage)
	for k, v := range s.leaves {
		if IsUnder(k, p) {
			sub[k] = v
		}
	}
	return Snapshot{path: p, leaves: sub}
}

// Children возвращает непосредственных потомков, отсортированных по ключу.
func (s Snapshot) Children() []Snapshot {
	prefix := s.path + "/"
	groups := make(map[string]map[string]json.RawMessage)
	for k, v := range s.leaves {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		name := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name = rest[:i]
		}
		g, ok := groups[name]
		if !ok {
			g = make(map[string]json.RawMessage)
			groups[name] = g
		}
		g[k] = v
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, Snapshot{path: prefix + name, leaves: groups[name]})
	}
	return out
}

// Keys: имена непосредственных потомков по порядку.
func (s Snapshot) Keys() []string {
	children := s.Children()
	keys := make([]string, len(children))
	for i, c := range children {
		keys[i] = c.Key()
	}
	return keys
}

// JSON собирает значение узла: лист как есть, внутренний узел: объект из листьев.
func (s Snapshot) JSON() (json.RawMessage, error) {
	if !s.Exists() {
		return json.RawMessage("null"), nil
	}
	if own, ok := s.leaves[s.path]; ok {
		return own, nil
	}
	prefix := s.path + "/"
	root := map[string]any{}
	for k, v := range s.leaves {
		insertLeaf(root, strings.Split(k[len(prefix):], "/"), v)
	}
	data, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.path, err)
	}
	return data, nil
}

func insertLeaf(node map[string]any, segs []string, v json.RawMessage) {
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = v
}

// Decode раскладывает значение узла в dst. Отсутствующий узел оставляет dst без изменений.
func (s Snapshot) Decode(dst any) error {
	if !s.Exists() {
		return nil
	}
	data, err := s.JSON()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("snapshot %s decode: %w", s.path, err)
	}
	return nil
}

// Int возвращает целое значение листа; 0 для отсутствующего или нечислового.
func (s Snapshot) Int() int64 {
	raw, ok := s.leaves[s.path]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// Bool возвращает true только для листа со значением true.
func (s Snapshot) Bool() bool {
	raw, ok := s.leaves[s.path]
	return ok && bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
}
