package epubres

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// jsonKind is the type of a jsonNode.
type jsonKind int

const (
	jsonNull jsonKind = iota
	jsonBool
	jsonNumber
	jsonString
	jsonArray
	jsonObject
)

// jsonNode is a parsed JSON value whose serialisation is deterministic:
// object members are kept sorted by key, whitespace is dropped, strings
// are escaped the way encoding/json escapes them and numbers are
// normalised through float64. This reproduces the bytes LCP providers
// sign.
type jsonNode struct {
	kind    jsonKind
	boolean bool
	number  float64
	str     string
	items   []*jsonNode
	members []jsonMember
}

type jsonMember struct {
	key   string
	value *jsonNode
}

// parseJSONTree parses a single JSON document. Duplicate object keys keep
// the last value.
func parseJSONTree(data []byte) (*jsonNode, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	n, err := decodeJSONNode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON document")
	}
	return n, nil
}

func decodeJSONNode(dec *json.Decoder) (*jsonNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch v := tok.(type) {
	case nil:
		return &jsonNode{kind: jsonNull}, nil
	case bool:
		return &jsonNode{kind: jsonBool, boolean: v}, nil
	case string:
		return &jsonNode{kind: jsonString, str: v}, nil
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", v, err)
		}
		return &jsonNode{kind: jsonNumber, number: f}, nil
	case json.Delim:
		switch v {
		case '[':
			n := &jsonNode{kind: jsonArray}
			for dec.More() {
				item, err := decodeJSONNode(dec)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '{':
			n := &jsonNode{kind: jsonObject}
			index := make(map[string]int)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				value, err := decodeJSONNode(dec)
				if err != nil {
					return nil, err
				}
				if i, dup := index[key]; dup {
					n.members[i].value = value
					continue
				}
				index[key] = len(n.members)
				n.members = append(n.members, jsonMember{key: key, value: value})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			sort.Slice(n.members, func(i, j int) bool { return n.members[i].key < n.members[j].key })
			return n, nil
		}
	}
	return nil, fmt.Errorf("unexpected JSON token %v", tok)
}

// without returns a copy of an object node with the member key removed.
// Nested values are shared, not copied.
func (n *jsonNode) without(key string) *jsonNode {
	if n.kind != jsonObject {
		return n
	}
	out := &jsonNode{kind: jsonObject, members: make([]jsonMember, 0, len(n.members))}
	for _, m := range n.members {
		if m.key != key {
			out.members = append(out.members, m)
		}
	}
	return out
}

// canonical returns the canonical serialisation of n.
func (n *jsonNode) canonical() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.writeCanonical(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *jsonNode) writeCanonical(buf *bytes.Buffer) error {
	switch n.kind {
	case jsonNull:
		buf.WriteString("null")
	case jsonBool:
		buf.WriteString(strconv.FormatBool(n.boolean))
	case jsonNumber:
		b, err := json.Marshal(n.number)
		if err != nil {
			return err
		}
		buf.Write(b)
	case jsonString:
		writeJSONString(buf, n.str)
	case jsonArray:
		buf.WriteByte('[')
		for i, item := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case jsonObject:
		buf.WriteByte('{')
		for i, m := range n.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, m.key)
			buf.WriteByte(':')
			if err := m.value.writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown JSON node kind %d", n.kind)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	// Marshalling a string cannot fail.
	b, _ := json.Marshal(s)
	buf.Write(b)
}
