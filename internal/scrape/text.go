package scrape

import (
	"strings"

	"golang.org/x/net/html"
)

var blockElements = map[string]bool{
	"address": true, "article": true, "br": true, "dd": true, "div": true,
	"dl": true, "dt": true, "footer": true, "form": true, "h1": true,
	"h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "section": true, "table": true, "tr": true,
	"ul": true,
}

// innerText approximates the rendered text of n: block elements start on a
// new line and script/style content is skipped.
func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text := strings.Join(strings.Fields(n.Data), " ")
			if text == "" {
				if n.Data != "" {
					b.WriteByte(' ')
				}
				return
			}
			if strings.TrimLeft(n.Data, " \t\r\n") != n.Data {
				b.WriteByte(' ')
			}
			b.WriteString(text)
			if strings.TrimRight(n.Data, " \t\r\n") != n.Data {
				b.WriteByte(' ')
			}
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" || n.Data == "noscript" {
				return
			}
			if blockElements[n.Data] {
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(n)
	return b.String()
}
