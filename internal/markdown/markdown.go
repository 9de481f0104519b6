// Package markdown renders assistant output to HTML for the transcript
// endpoint.
package markdown

import (
	"bytes"
	"regexp"

	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var md goldmark.Markdown

func init() {
	md = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM, // tables, strikethrough, autolinks, task lists
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)
}

// Render converts markdown content to HTML with GFM extensions and
// syntax-highlighted code blocks. External links open in a new tab.
func Render(content string) string {
	if content == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		// Degrade to nothing; callers fall back to plain text.
		return ""
	}
	return processExternalLinks(buf.String())
}

var linkRe = regexp.MustCompile(`<a href="(https?://[^"]*)"`)

// processExternalLinks adds target="_blank" rel="noopener noreferrer"
// to external links.
func processExternalLinks(s string) string {
	return linkRe.ReplaceAllStringFunc(s, func(match string) string {
		return match + ` target="_blank" rel="noopener noreferrer"`
	})
}
