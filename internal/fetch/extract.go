package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// chrome lists elements whose subtrees are page furniture rather than
// content.
var chrome = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
}

// extractHTML reduces raw HTML to the page title and its readable text.
func extractHTML(raw string) (string, string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		// html.Parse recovers from almost anything, so this is the
		// tokenizer-only fallback for truly hopeless input.
		return "", tidy(flattenTokens(raw))
	}

	var c collector
	c.walk(doc)
	return c.title, tidy(c.text.String())
}

// collector flattens a parsed DOM in one pass, picking up the title on
// the way through.
type collector struct {
	title string
	text  strings.Builder
}

func (c *collector) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		switch {
		case n.DataAtom == atom.Title:
			if c.title == "" {
				c.title = strings.TrimSpace(subtreeText(n))
			}
			return
		case n.DataAtom == atom.Head:
			// The title is the only readable thing in head.
			if c.title == "" {
				c.title = titleIn(n)
			}
			return
		case chrome[n.DataAtom]:
			return
		}
		if blockLevel(n.DataAtom) && c.text.Len() > 0 {
			c.text.WriteString("\n\n")
		}
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			c.text.WriteString(t)
			c.text.WriteString(" ")
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.walk(child)
	}

	// Line items and explicit breaks end their line.
	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		c.text.WriteString("\n")
	}
}

// titleIn returns the text of the first <title> under n.
func titleIn(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return strings.TrimSpace(subtreeText(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := titleIn(c); t != "" {
			return t
		}
	}
	return ""
}

// subtreeText concatenates every text node under n.
func subtreeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(subtreeText(c))
	}
	return b.String()
}

// blockLevel reports whether a renders as its own block, which earns a
// paragraph break in the flattened text.
func blockLevel(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dt, atom.Dd, atom.Figure, atom.Figcaption,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// tidy collapses space runs within lines and blank-line runs between
// them.
func tidy(s string) string {
	var b strings.Builder
	blanks := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blanks++
			continue
		}
		if b.Len() > 0 {
			if blanks > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		blanks = 0
		b.WriteString(line)
	}
	return b.String()
}

// flattenTokens is the last-ditch extractor: keep text tokens, drop
// everything else.
func flattenTokens(raw string) string {
	tok := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(tok.Text())
			b.WriteByte(' ')
		}
	}
}
