// Package markup renders agent markdown into the formatting dialect of each
// chat platform.
package markup

import (
	"html"
	"strings"
)

// Dialect describes how a platform spells each markdown construct. Empty
// pairs drop the formatting and keep the text.
type Dialect struct {
	Name string

	Bold    [2]string
	Italic  [2]string
	Strike  [2]string
	Code    [2]string
	Heading [2]string
	Quote   [2]string

	// Pre renders a fenced or indented code block.
	Pre func(lang, code string) string
	// LinkOpen and LinkClose wrap the rendered link text.
	LinkOpen  func(url string) string
	LinkClose func(url, text string) string

	Bullet string
	Escape func(string) string

	// Passthrough dialects already speak markdown; Render returns the input.
	Passthrough bool
}

func (d Dialect) escape(s string) string {
	if d.Escape == nil {
		return s
	}
	return d.Escape(s)
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}

// escapeAngles escapes the three characters Slack and Telegram treat as markup.
func escapeAngles(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

func fence(lang, code string) string {
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	return "```\n" + code + "```"
}

func textLinkClose(url, text string) string {
	if text == url || text == "" {
		return ""
	}
	return " (" + url + ")"
}

// Plain strips formatting. Used by Signal and iMessage.
var Plain = Dialect{
	Name:      "plain",
	Pre:       func(_, code string) string { return strings.TrimRight(code, "\n") },
	LinkOpen:  func(string) string { return "" },
	LinkClose: textLinkClose,
	Bullet:    "• ",
}

// TelegramHTML targets Telegram's HTML parse mode.
var TelegramHTML = Dialect{
	Name:    "telegram",
	Bold:    [2]string{"<b>", "</b>"},
	Italic:  [2]string{"<i>", "</i>"},
	Strike:  [2]string{"<s>", "</s>"},
	Code:    [2]string{"<code>", "</code>"},
	Heading: [2]string{"<b>", "</b>"},
	Quote:   [2]string{"<blockquote>", "</blockquote>"},
	Pre: func(lang, code string) string {
		code = escapeAngles(strings.TrimRight(code, "\n"))
		if lang != "" {
			return `<pre><code class="language-` + escapeAngles(lang) + `">` + code + "</code></pre>"
		}
		return "<pre>" + code + "</pre>"
	},
	LinkOpen:  func(url string) string { return `<a href="` + escapeHTML(url) + `">` },
	LinkClose: func(string, string) string { return "</a>" },
	Bullet:    "• ",
	Escape:    escapeAngles,
}

// MatrixHTML targets the org.matrix.custom.html formatted body.
var MatrixHTML = Dialect{
	Name:    "matrix",
	Bold:    [2]string{"<strong>", "</strong>"},
	Italic:  [2]string{"<em>", "</em>"},
	Strike:  [2]string{"<del>", "</del>"},
	Code:    [2]string{"<code>", "</code>"},
	Heading: [2]string{"<h4>", "</h4>"},
	Quote:   [2]string{"<blockquote>", "</blockquote>"},
	Pre: func(lang, code string) string {
		code = escapeHTML(code)
		if lang != "" {
			return `<pre><code class="language-` + escapeHTML(lang) + `">` + code + "</code></pre>"
		}
		return "<pre><code>" + code + "</code></pre>"
	},
	LinkOpen:  func(url string) string { return `<a href="` + escapeHTML(url) + `">` },
	LinkClose: func(string, string) string { return "</a>" },
	Bullet:    "• ",
	Escape:    escapeHTML,
}

// SlackMrkdwn targets Slack's mrkdwn text objects.
var SlackMrkdwn = Dialect{
	Name:      "slack",
	Bold:      [2]string{"*", "*"},
	Italic:    [2]string{"_", "_"},
	Strike:    [2]string{"~", "~"},
	Code:      [2]string{"`", "`"},
	Heading:   [2]string{"*", "*"},
	Quote:     [2]string{"> ", ""},
	Pre:       fence,
	LinkOpen:  func(url string) string { return "<" + url + "|" },
	LinkClose: func(string, string) string { return ">" },
	Bullet:    "• ",
	Escape:    escapeAngles,
}

// WhatsApp targets WhatsApp's inline formatting.
var WhatsApp = Dialect{
	Name:      "whatsapp",
	Bold:      [2]string{"*", "*"},
	Italic:    [2]string{"_", "_"},
	Strike:    [2]string{"~", "~"},
	Code:      [2]string{"```", "```"},
	Heading:   [2]string{"*", "*"},
	Quote:     [2]string{"> ", ""},
	Pre:       fence,
	LinkOpen:  func(string) string { return "" },
	LinkClose: textLinkClose,
	Bullet:    "• ",
}

// Markdown is for platforms that render CommonMark themselves (Discord, Mattermost).
var Markdown = Dialect{
	Name:        "markdown",
	Passthrough: true,
}
