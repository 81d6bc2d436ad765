// ABOUTME: Renders a chat transcript as a Markdown document and converts it to HTML with goldmark.
// ABOUTME: Temporary status messages are omitted; image URLs become Markdown image links.
package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389-research/adcanvas/chat"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// TranscriptMarkdown renders persisted transcript entries in display order.
func TranscriptMarkdown(title string, msgs []chat.Message) string {
	var b strings.Builder
	if title == "" {
		title = "Ad generation transcript"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	for _, m := range msgs {
		if !m.Persistable() {
			continue
		}
		fmt.Fprintf(&b, "### %s%s\n\n", speaker(m), stamp(m.Timestamp))
		switch m.Type {
		case chat.TypeError:
			fmt.Fprintf(&b, "> **Error:** %s\n\n", m.Content)
		case chat.TypeCancelled:
			fmt.Fprintf(&b, "> _%s_\n\n", m.Content)
		default:
			if m.Content != "" {
				b.WriteString(m.Content)
				b.WriteString("\n\n")
			}
		}
		for i, u := range m.ImageURLs {
			fmt.Fprintf(&b, "![Ad %d](%s)\n\n", i+1, u)
		}
	}
	return b.String()
}

// TranscriptHTML renders the transcript Markdown to an HTML fragment.
// Raw HTML in message content is omitted by the default renderer.
func TranscriptHTML(title string, msgs []chat.Message) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(TranscriptMarkdown(title, msgs)), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return buf.String(), nil
}

// HTMLPage wraps the transcript fragment in a standalone document.
func HTMLPage(title string, msgs []chat.Message) (string, error) {
	body, err := TranscriptHTML(title, msgs)
	if err != nil {
		return "", err
	}
	if title == "" {
		title = "Ad generation transcript"
	}
	return "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>" +
		html.EscapeString(title) + "</title></head>\n<body>\n" + body + "</body></html>\n", nil
}

func speaker(m chat.Message) string {
	if m.Role == chat.RoleUser {
		return "You"
	}
	return "Assistant"
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return " · " + t.UTC().Format("2006-01-02 15:04:05")
}
