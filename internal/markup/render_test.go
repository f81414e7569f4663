package markup

import (
	"strings"
	"testing"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		input   string
		want    string
	}{
		{"telegram bold and code", TelegramHTML, "**bold** and `code`", "<b>bold</b> and <code>code</code>"},
		{"telegram escapes", TelegramHTML, "a < b & c", "a &lt; b &amp; c"},
		{"telegram italic", TelegramHTML, "*soft*", "<i>soft</i>"},
		{"telegram strike", TelegramHTML, "~~gone~~", "<s>gone</s>"},
		{"telegram link", TelegramHTML, "[site](https://x.io)", `<a href="https://x.io">site</a>`},
		{"telegram heading", TelegramHTML, "# Title\n\nbody", "<b>Title</b>\n\nbody"},
		{"telegram fenced code", TelegramHTML, "```go\nx := a<b\n```", `<pre><code class="language-go">x := a&lt;b</code></pre>`},
		{"slack bold", SlackMrkdwn, "**bold**", "*bold*"},
		{"slack link", SlackMrkdwn, "[site](https://x.io)", "<https://x.io|site>"},
		{"whatsapp strike", WhatsApp, "~~gone~~", "~gone~"},
		{"plain strips", Plain, "**bold** _it_", "bold it"},
		{"plain link", Plain, "[site](https://x.io)", "site (https://x.io)"},
		{"plain bullets", Plain, "- a\n- b", "• a\n• b"},
		{"plain ordered", Plain, "1. a\n2. b", "1. a\n2. b"},
		{"matrix bold", MatrixHTML, "**bold**", "<strong>bold</strong>"},
		{"markdown passthrough", Markdown, "**bold** <x>", "**bold** <x>"},
		{"empty", TelegramHTML, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.input, tt.dialect); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRenderTable(t *testing.T) {
	got := Render("| name | n |\n|---|---|\n| alpha | 1 |\n| b | 22 |", Plain)
	for _, want := range []string{"| name  | n  |", "| alpha | 1  |", "| b     | 22 |"} {
		if !strings.Contains(got, want) {
			t.Errorf("Render() = %q, missing %q", got, want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		mode    models.ParseMode
		dialect Dialect
		input   string
		want    string
	}{
		{"text is escaped", models.ParseModeText, TelegramHTML, "**a** < b", "**a** &lt; b"},
		{"text passthrough", "", Markdown, "**a**", "**a**"},
		{"markdown", models.ParseModeMarkdown, SlackMrkdwn, "**a**", "*a*"},
		{"html", models.ParseModeHTML, TelegramHTML, "<b>hi</b>", "<b>hi</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input, tt.mode, tt.dialect); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromHTML(t *testing.T) {
	got, err := FromHTML("<p>Hello <strong>world</strong></p>")
	if err != nil {
		t.Fatalf("FromHTML() error = %v", err)
	}
	if got != "Hello **world**" {
		t.Errorf("FromHTML() = %q", got)
	}
}
