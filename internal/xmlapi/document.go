// Package xmlapi speaks the appliance XML management API: keygen
// credential exchange, op command execution, and a cursor API over the
// returned XML documents.
//
// Appliance responses are small and irregular, so documents are parsed
// into a generic node tree and navigated by path rather than into
// per-command structs.
package xmlapi

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// Node is one element of a parsed response document.
type Node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []*Node    `xml:",any"`
}

// Child returns the first child element with the given local name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all child elements with the given local name.
func (n *Node) ChildrenNamed(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

// Attr returns the named attribute value, or "".
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Text returns the node's character data with surrounding whitespace
// trimmed. CDATA sections are included.
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.Content)
}

// Float parses the node text as a float.
func (n *Node) Float() (float64, bool) {
	s := n.Text()
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Uint parses the node text as an unsigned counter value.
func (n *Node) Uint() (uint64, bool) {
	s := n.Text()
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Document is one parsed API response.
type Document struct {
	// Status is the response envelope status attribute, normally
	// "success" or "error".
	Status string

	root *Node
}

// Parse decodes an API response body.
func Parse(data []byte) (*Document, error) {
	var root Node
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &Document{
		Status: root.Attr("status"),
		root:   &root,
	}, nil
}

// OK reports whether the appliance answered with a success envelope.
func (d *Document) OK() bool {
	return d != nil && d.Status == "success"
}

// Find walks a slash-separated path of element names from the response
// root. An empty path returns the root.
func (d *Document) Find(path string) *Node {
	if d == nil {
		return nil
	}
	n := d.root
	if path == "" {
		return n
	}
	for _, part := range strings.Split(path, "/") {
		n = n.Child(part)
		if n == nil {
			return nil
		}
	}
	return n
}

// Text returns the trimmed text at path, or "".
func (d *Document) Text(path string) string {
	return d.Find(path).Text()
}

// Float returns the numeric value at path.
func (d *Document) Float(path string) (float64, bool) {
	n := d.Find(path)
	if n == nil {
		return 0, false
	}
	return n.Float()
}

// Entries returns the <entry> children of the node at path. Appliance
// list results use this shape throughout.
func (d *Document) Entries(path string) []*Node {
	return d.Find(path).ChildrenNamed("entry")
}

// ErrorMessage digs the human-readable message out of an error envelope.
// Appliances report it in several shapes; the first non-empty of
// result/msg, msg/line, and msg wins.
func (d *Document) ErrorMessage() string {
	if d == nil {
		return ""
	}
	for _, path := range []string{"result/msg", "msg/line", "msg"} {
		if s := d.Text(path); s != "" {
			return s
		}
	}
	return ""
}
