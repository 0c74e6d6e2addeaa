package crdt

import (
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
	"golang.org/x/net/html"
)

// The node tree lives under the document's "body" key as a list of blocks:
// {type, text?, attrs?, children?}. Seeding parses a legacy HTML snapshot
// into that shape exactly once; rendering derives the snapshot back out.

var allowedAttrs = map[string]bool{
	"src":   true,
	"href":  true,
	"alt":   true,
	"title": true,
	"class": true,
}

var voidTags = map[string]bool{
	"img": true,
	"br":  true,
	"hr":  true,
}

// SeedFromHTML parses a legacy HTML snapshot into the CRDT node tree. It is a
// no-op when the document was already seeded; the guard flag replicates with
// the document itself.
func (d *Document) SeedFromHTML(src string) error {
	if d.encrypted {
		return ErrEncryptedDocument
	}
	if d.Seeded() {
		return nil
	}

	blocks, err := parseBlocks(src)
	if err != nil {
		return fmt.Errorf("failed to parse html snapshot: %w", err)
	}

	if err := d.doc.Path("body").Set(blocks); err != nil {
		return fmt.Errorf("failed to seed node tree: %w", err)
	}
	if err := d.doc.Path(MetaSeeded).Set(true); err != nil {
		return fmt.Errorf("failed to set seeded flag: %w", err)
	}
	return nil
}

// RenderHTML derives the HTML snapshot from the node tree. The result is the
// denormalized copy stored in the content column; the tree stays
// authoritative for live editing.
func (d *Document) RenderHTML() (string, error) {
	if d.encrypted {
		return "", ErrEncryptedDocument
	}

	v, err := d.doc.Path("body").Get()
	if err != nil {
		return "", fmt.Errorf("failed to read node tree: %w", err)
	}
	if v.Kind() != automerge.KindList {
		return "", nil
	}

	var sb strings.Builder
	if err := renderList(&sb, v.List()); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func parseBlocks(src string) ([]interface{}, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, err
	}

	body := findBody(root)
	if body == nil {
		return []interface{}{}, nil
	}

	blocks := make([]interface{}, 0)
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if b := nodeToBlock(c); b != nil {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findBody(c); found != nil {
			return found
		}
	}
	return nil
}

func nodeToBlock(n *html.Node) map[string]interface{} {
	if n.Type != html.ElementNode {
		return nil
	}
	// Executable content never enters the tree, regardless of what the
	// snapshot contained.
	if n.Data == "script" || n.Data == "style" {
		return nil
	}

	block := map[string]interface{}{"type": n.Data}

	attrs := make(map[string]interface{})
	for _, a := range n.Attr {
		if allowedAttrs[a.Key] {
			attrs[a.Key] = a.Val
		}
	}
	if len(attrs) > 0 {
		block["attrs"] = attrs
	}

	var text strings.Builder
	children := make([]interface{}, 0)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			text.WriteString(c.Data)
		case html.ElementNode:
			if b := nodeToBlock(c); b != nil {
				children = append(children, b)
			}
		}
	}
	if text.Len() > 0 {
		block["text"] = text.String()
	}
	if len(children) > 0 {
		block["children"] = children
	}

	return block
}

func renderList(sb *strings.Builder, list *automerge.List) error {
	for i := 0; i < list.Len(); i++ {
		v, err := list.Get(i)
		if err != nil {
			return fmt.Errorf("failed to read node %d: %w", i, err)
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		if err := renderBlock(sb, v.Map()); err != nil {
			return err
		}
	}
	return nil
}

func renderBlock(sb *strings.Builder, m *automerge.Map) error {
	tag := mapStr(m, "type")
	if tag == "" {
		tag = "div"
	}

	sb.WriteString("<")
	sb.WriteString(tag)
	if err := renderAttrs(sb, m); err != nil {
		return err
	}
	sb.WriteString(">")

	if voidTags[tag] {
		return nil
	}

	if text := mapStr(m, "text"); text != "" {
		sb.WriteString(html.EscapeString(text))
	}

	if v, err := m.Get("children"); err == nil && v.Kind() == automerge.KindList {
		if err := renderList(sb, v.List()); err != nil {
			return err
		}
	}

	sb.WriteString("</")
	sb.WriteString(tag)
	sb.WriteString(">")
	return nil
}

func renderAttrs(sb *strings.Builder, m *automerge.Map) error {
	v, err := m.Get("attrs")
	if err != nil || v.Kind() != automerge.KindMap {
		return nil
	}

	attrs := v.Map()
	keys, err := attrs.Keys()
	if err != nil {
		return fmt.Errorf("failed to read attrs: %w", err)
	}
	for _, k := range keys {
		if !allowedAttrs[k] {
			continue
		}
		av, err := attrs.Get(k)
		if err != nil || av.Kind() != automerge.KindStr {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(html.EscapeString(av.Str()))
		sb.WriteString(`"`)
	}
	return nil
}

func mapStr(m *automerge.Map, key string) string {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

// SanitizeHTML rebuilds a snapshot through the same allow-list the node tree
// uses: script/style subtrees are dropped, attributes outside the allow-list
// are stripped, text and attribute values are escaped, and src/href values
// carrying executable URI schemes are removed.
func SanitizeHTML(src string) string {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return ""
	}
	body := findBody(root)
	if body == nil {
		return ""
	}

	var sb strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		sanitizeNode(&sb, c)
	}
	return sb.String()
}

func sanitizeNode(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(html.EscapeString(n.Data))
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return
		}

		sb.WriteString("<")
		sb.WriteString(n.Data)
		for _, a := range n.Attr {
			if !allowedAttrs[a.Key] {
				continue
			}
			if (a.Key == "src" || a.Key == "href") && unsafeURI(a.Val) {
				continue
			}
			sb.WriteString(" ")
			sb.WriteString(a.Key)
			sb.WriteString(`="`)
			sb.WriteString(html.EscapeString(a.Val))
			sb.WriteString(`"`)
		}
		sb.WriteString(">")

		if voidTags[n.Data] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			sanitizeNode(sb, c)
		}
		sb.WriteString("</")
		sb.WriteString(n.Data)
		sb.WriteString(">")
	}
}

func unsafeURI(val string) bool {
	v := strings.ToLower(strings.TrimSpace(val))
	return strings.HasPrefix(v, "javascript:") ||
		strings.HasPrefix(v, "vbscript:") ||
		strings.HasPrefix(v, "data:text/html")
}

// ExtractFileRefs collects attachment file names referenced by src/href
// attributes under the given URL prefix (e.g. "/files/"). Used by the
// persistence writer to garbage-collect orphaned attachments.
func ExtractFileRefs(src, prefix string) map[string]bool {
	refs := make(map[string]bool)
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return refs
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key != "src" && a.Key != "href" {
					continue
				}
				if !strings.HasPrefix(a.Val, prefix) {
					continue
				}
				rest := strings.TrimPrefix(a.Val, prefix)
				// Layout is {owner}/{file}; the file name is what the
				// attachment rows key on.
				if idx := strings.IndexByte(rest, '/'); idx >= 0 {
					rest = rest[idx+1:]
				}
				if rest != "" {
					refs[rest] = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return refs
}
