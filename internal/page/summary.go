// Package page builds a compact structural summary of the active tab's
// document so the model knows what the user is looking at without seeing
// raw HTML.
package page

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// MaxHTMLChars caps the input document size. The host applies the same
// cap; it is enforced here again so an oversized document can never reach
// the parser.
const MaxHTMLChars = 50000

const (
	maxHeadings   = 10
	maxButtons    = 10
	maxLinks      = 15
	maxFormFields = 10

	// Button, link, and field labels longer than this are noise, not UI
	// text.
	maxLabelLen = 50
)

// Summarize extracts the page's headings, buttons, links, and form fields
// into a numbered text summary. A document that cannot be parsed yields a
// one-line fallback rather than an error.
func Summarize(htmlText, title, url string) string {
	if title == "" {
		title = "Unknown"
	}
	if url == "" {
		url = "Unknown"
	}
	if len(htmlText) > MaxHTMLChars {
		htmlText = htmlText[:MaxHTMLChars]
	}

	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return fmt.Sprintf("PAGE: %s at %s", title, url)
	}

	var s structure
	s.walk(doc)

	var b strings.Builder
	fmt.Fprintf(&b, "PAGE CONTEXT:\nTitle: %s\nURL: %s\n", title, url)
	b.WriteString("\nKey headings on this page:\n")
	writeNumbered(&b, s.headings)
	b.WriteString("\nAvailable buttons/actions:\n")
	writeNumbered(&b, s.buttons)
	b.WriteString("\nAvailable links:\n")
	writeNumbered(&b, s.links)
	b.WriteString("\nForm fields on this page:\n")
	writeNumbered(&b, s.formFields)
	b.WriteString("\nUse this context to understand what this page contains and help the user navigate it.")
	return b.String()
}

func writeNumbered(b *strings.Builder, items []string) {
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
}

type structure struct {
	headings   []string
	buttons    []string
	links      []string
	formFields []string
}

func (s *structure) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3":
			if len(s.headings) < maxHeadings {
				if text := nodeText(n); text != "" {
					s.headings = append(s.headings, text)
				}
			}
		case "button":
			s.addButton(nodeText(n))
		case "a":
			if len(s.links) < maxLinks {
				if text := nodeText(n); text != "" && len(text) < maxLabelLen {
					s.links = append(s.links, text)
				}
			}
		case "input":
			if attr(n, "type") == "button" {
				s.addButton(attr(n, "value"))
			} else {
				s.addFormField(n)
			}
		case "textarea", "select":
			s.addFormField(n)
		default:
			if attr(n, "role") == "button" {
				s.addButton(nodeText(n))
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.walk(c)
	}
}

func (s *structure) addButton(label string) {
	label = strings.TrimSpace(label)
	if len(s.buttons) < maxButtons && label != "" && len(label) < maxLabelLen {
		s.buttons = append(s.buttons, label)
	}
}

// addFormField labels a field by placeholder, then name, then type.
func (s *structure) addFormField(n *html.Node) {
	if len(s.formFields) >= maxFormFields {
		return
	}
	label := attr(n, "placeholder")
	if label == "" {
		label = attr(n, "name")
	}
	if label == "" {
		label = attr(n, "type")
	}
	if label == "" && n.Data != "input" {
		label = n.Data
	}
	label = strings.TrimSpace(label)
	if label != "" && len(label) < maxLabelLen {
		s.formFields = append(s.formFields, label)
	}
}

// nodeText returns the node's text content with whitespace collapsed.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// attr returns the named attribute's value, or "".
func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
