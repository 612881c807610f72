// Package textutil holds small text helpers shared by the language-model
// and wake workers: token estimation for prompt budgeting, transcript
// normalization for phrase matching, and markdown removal for speech
// output.
package textutil

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MessageOverheadTokens approximates the per-message framing cost (role and
// separators) that chat APIs add on top of content tokens.
const MessageOverheadTokens = 4

// EstimateTokens approximates the token count of s.
// TODO: replace with tiktoken-go for accurate per-model token counting.
func EstimateTokens(s string) int {
	// ~4 chars per token is a rough GPT-series approximation.
	return (len(s) + 3) / 4
}

// NormalizeTranscript lowers a transcript into canonical phrase-matching
// form: lowercase, punctuation and symbols removed, whitespace collapsed
// to single spaces.
func NormalizeTranscript(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

var md = goldmark.New()

// Speakable strips markdown structure from s, returning only the text a
// synthesizer should read aloud. Inline formatting (emphasis, links,
// inline code) keeps its text; fenced code blocks, raw HTML, and images
// are dropped entirely. Output whitespace is collapsed to single spaces.
func Speakable(s string) string {
	src := []byte(s)
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock, ast.KindImage, ast.KindRawHTML:
			return ast.WalkSkipChildren, nil
		case ast.KindText:
			t := n.(*ast.Text)
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case ast.KindString:
			b.Write(n.(*ast.String).Value)
		case ast.KindAutoLink:
			b.Write(n.(*ast.AutoLink).Label(src))
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(b.String()), " ")
}
