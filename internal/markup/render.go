package markup

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/mattn/go-runewidth"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Render converts markdown to d. On a conversion failure the source is
// returned escaped for d.
func Render(src string, d Dialect) string {
	if src == "" || d.Passthrough {
		return src
	}
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRenderer(renderer.NewRenderer(
			renderer.WithNodeRenderers(util.Prioritized(&nodeRenderer{d: d}, 100)),
		)),
	)
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return d.escape(src)
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return d.escape(src)
	}
	return out
}

// FromHTML converts an HTML body to markdown.
func FromHTML(src string) (string, error) {
	out, err := htmltomarkdown.ConvertString(src)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Format renders text written in mode for d. Plain text is only escaped.
func Format(text string, mode models.ParseMode, d Dialect) string {
	switch mode {
	case models.ParseModeHTML:
		md, err := FromHTML(text)
		if err != nil {
			return d.escape(text)
		}
		return Render(md, d)
	case models.ParseModeMarkdown:
		return Render(text, d)
	}
	if d.Passthrough {
		return text
	}
	return d.escape(text)
}

type nodeRenderer struct {
	d Dialect
}

func (r *nodeRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, r.renderNoop)
	reg.Register(ast.KindParagraph, r.renderParagraph)
	reg.Register(ast.KindTextBlock, r.renderTextBlock)
	reg.Register(ast.KindHeading, r.renderHeading)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindBlockquote, r.renderBlockquote)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindThematicBreak, r.renderThematicBreak)
	reg.Register(ast.KindHTMLBlock, r.renderSkip)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(ast.KindRawHTML, r.renderSkip)

	reg.Register(east.KindStrikethrough, r.renderStrikethrough)
	reg.Register(east.KindTaskCheckBox, r.renderTaskCheckBox)
	reg.Register(east.KindTable, r.renderTable)
	reg.Register(east.KindTableHeader, r.renderNoop)
	reg.Register(east.KindTableRow, r.renderNoop)
	reg.Register(east.KindTableCell, r.renderNoop)
}

func (r *nodeRenderer) renderNoop(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderSkip(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	return ast.WalkSkipChildren, nil
}

func (r *nodeRenderer) renderParagraph(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n\n")
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderTextBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering && node.NextSibling() != nil {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderHeading(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(r.d.Heading[0])
	} else {
		_, _ = w.WriteString(r.d.Heading[1] + "\n\n")
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var code strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}
	lang := ""
	if fcb, ok := node.(*ast.FencedCodeBlock); ok {
		lang = string(fcb.Language(source))
	}
	if r.d.Pre != nil {
		_, _ = w.WriteString(r.d.Pre(lang, code.String()))
	} else {
		_, _ = w.WriteString(code.String())
	}
	_, _ = w.WriteString("\n\n")
	return ast.WalkSkipChildren, nil
}

func (r *nodeRenderer) renderBlockquote(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(r.d.Quote[0])
	} else {
		_, _ = w.WriteString(r.d.Quote[1])
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderList(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering && node.Parent() != nil && node.Parent().Kind() == ast.KindDocument {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderListItem(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		if last := node.LastChild(); last == nil || (last.Kind() != ast.KindParagraph && last.Kind() != ast.KindList) {
			_, _ = w.WriteString("\n")
		}
		return ast.WalkContinue, nil
	}
	depth := 0
	for p := node.Parent(); p != nil; p = p.Parent() {
		if p.Kind() == ast.KindList {
			depth++
		}
	}
	if depth > 1 {
		_, _ = w.WriteString(strings.Repeat("  ", depth-1))
	}
	list, _ := node.Parent().(*ast.List)
	if list != nil && list.IsOrdered() {
		n := list.Start
		for s := node.PreviousSibling(); s != nil; s = s.PreviousSibling() {
			n++
		}
		_, _ = w.WriteString(strconv.Itoa(n) + ". ")
	} else {
		_, _ = w.WriteString(r.d.Bullet)
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderThematicBreak(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("———\n\n")
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.WriteString(r.d.escape(string(n.Segment.Value(source))))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderString(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(r.d.escape(string(node.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderEmphasis(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	pair := r.d.Italic
	if node.(*ast.Emphasis).Level == 2 {
		pair = r.d.Bold
	}
	if entering {
		_, _ = w.WriteString(pair[0])
	} else {
		_, _ = w.WriteString(pair[1])
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderStrikethrough(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(r.d.Strike[0])
	} else {
		_, _ = w.WriteString(r.d.Strike[1])
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderCodeSpan(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	_, _ = w.WriteString(r.d.Code[0])
	_, _ = w.WriteString(r.d.escape(plainText(node, source)))
	_, _ = w.WriteString(r.d.Code[1])
	return ast.WalkSkipChildren, nil
}

func (r *nodeRenderer) renderLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Link)
	url := string(n.Destination)
	if entering {
		if r.d.LinkOpen != nil {
			_, _ = w.WriteString(r.d.LinkOpen(url))
		}
	} else if r.d.LinkClose != nil {
		_, _ = w.WriteString(r.d.LinkClose(url, plainText(node, source)))
	}
	return ast.WalkContinue, nil
}

func (r *nodeRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	url := string(node.(*ast.AutoLink).URL(source))
	if r.d.LinkOpen != nil {
		_, _ = w.WriteString(r.d.LinkOpen(url))
	}
	_, _ = w.WriteString(r.d.escape(url))
	if r.d.LinkClose != nil {
		_, _ = w.WriteString(r.d.LinkClose(url, url))
	}
	return ast.WalkSkipChildren, nil
}

func (r *nodeRenderer) renderImage(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Image)
	url := string(n.Destination)
	alt := plainText(node, source)
	if alt == "" {
		alt = url
	}
	if r.d.LinkOpen != nil {
		_, _ = w.WriteString(r.d.LinkOpen(url))
	}
	_, _ = w.WriteString(r.d.escape(alt))
	if r.d.LinkClose != nil {
		_, _ = w.WriteString(r.d.LinkClose(url, alt))
	}
	return ast.WalkSkipChildren, nil
}

func (r *nodeRenderer) renderTaskCheckBox(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if node.(*east.TaskCheckBox).IsChecked {
			_, _ = w.WriteString("☑ ")
		} else {
			_, _ = w.WriteString("☐ ")
		}
	}
	return ast.WalkContinue, nil
}

// renderTable lays a GFM table out as aligned preformatted text, since no
// supported dialect has tables.
func (r *nodeRenderer) renderTable(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var rows [][]string
	var widths []int
	for row := node.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			text := strings.TrimSpace(plainText(cell, source))
			col := len(cells)
			if width := runewidth.StringWidth(text); col >= len(widths) {
				widths = append(widths, width)
			} else if width > widths[col] {
				widths[col] = width
			}
			cells = append(cells, text)
		}
		rows = append(rows, cells)
	}

	var b strings.Builder
	for i, cells := range rows {
		b.WriteString("|")
		for col, text := range cells {
			b.WriteString(" " + runewidth.FillRight(text, widths[col]) + " |")
		}
		b.WriteString("\n")
		if i == 0 {
			b.WriteString("|")
			for _, width := range widths {
				b.WriteString(strings.Repeat("-", width+2) + "|")
			}
			b.WriteString("\n")
		}
	}
	if r.d.Pre != nil {
		_, _ = w.WriteString(r.d.Pre("", b.String()))
	} else {
		_, _ = w.WriteString(b.String())
	}
	_, _ = w.WriteString("\n\n")
	return ast.WalkSkipChildren, nil
}

// plainText concatenates the text under node without formatting.
func plainText(node ast.Node, source []byte) string {
	var b strings.Builder
	var walk func(n ast.Node)
	walk = func(n ast.Node) {
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			return
		case *ast.String:
			b.Write(t.Value)
			return
		}
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(node)
	return b.String()
}
