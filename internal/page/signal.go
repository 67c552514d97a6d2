package page

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Signal is everything the classifier and inferencer need from one page.
// It lives for a single evaluation and is never persisted.
type Signal struct {
	URL      string
	Hostname string
	Title    string

	// Text is the lowercased visible text of the page body.
	Text string

	// CandidatePrices holds currency-tagged amounts in (0, 50000),
	// deduplicated and sorted descending. The largest plausible price on a
	// confirmation page is taken to be the order total.
	CandidatePrices []decimal.Decimal

	// ControlTexts is the lowercased own text of interactive controls
	// (buttons, links, submit inputs). Exclusion phrases only count when
	// they appear here, not anywhere in the page.
	ControlTexts []string

	// MetaSiteName and MetaAppName carry og:site_name and application-name.
	MetaSiteName string
	MetaAppName  string
}

// Extract builds a Signal from a capture. Absence of matches yields empty
// collections; only unparseable HTML is an error, and the html package
// parses essentially anything, so errors are rare.
func Extract(c Capture) (Signal, error) {
	sig := Signal{
		URL:      c.URL,
		Hostname: hostname(c.URL),
		Title:    c.Title,
	}

	doc, err := html.Parse(strings.NewReader(c.HTML))
	if err != nil {
		return Signal{}, err
	}

	var textParts []string
	walk(doc, &sig, &textParts)

	sig.Text = strings.ToLower(collapseSpace(strings.Join(textParts, " ")))
	sig.CandidatePrices = extractPrices(sig.Text)

	if sig.Title == "" {
		sig.Title = documentTitle(doc)
	}
	return sig, nil
}

// walk collects text nodes, meta site names and control texts in one pass.
func walk(n *html.Node, sig *Signal, textParts *[]string) {
	switch n.Type {
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
			// Head is skipped for text but still holds the metas we want.
			if n.DataAtom == atom.Head {
				collectMetas(n, sig)
			}
			return
		case atom.Meta:
			collectMeta(n, sig)
			return
		case atom.Input:
			if t := strings.ToLower(attr(n, "type")); t == "submit" || t == "button" {
				if v := strings.TrimSpace(attr(n, "value")); v != "" {
					sig.ControlTexts = append(sig.ControlTexts, strings.ToLower(v))
				}
			}
			return
		case atom.Button, atom.A, atom.Summary:
			text := strings.ToLower(collapseSpace(nodeText(n)))
			if text != "" {
				sig.ControlTexts = append(sig.ControlTexts, text)
			}
		default:
			if strings.EqualFold(attr(n, "role"), "button") {
				text := strings.ToLower(collapseSpace(nodeText(n)))
				if text != "" {
					sig.ControlTexts = append(sig.ControlTexts, text)
				}
			}
		}
	case html.TextNode:
		if s := strings.TrimSpace(n.Data); s != "" {
			*textParts = append(*textParts, s)
		}
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sig, textParts)
	}
}

func collectMetas(head *html.Node, sig *Signal) {
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Meta {
			collectMeta(c, sig)
		}
	}
}

func collectMeta(n *html.Node, sig *Signal) {
	content := strings.TrimSpace(attr(n, "content"))
	if content == "" {
		return
	}
	switch {
	case strings.EqualFold(attr(n, "property"), "og:site_name"):
		if sig.MetaSiteName == "" {
			sig.MetaSiteName = content
		}
	case strings.EqualFold(attr(n, "name"), "application-name"):
		if sig.MetaAppName == "" {
			sig.MetaAppName = content
		}
	}
}

func documentTitle(doc *html.Node) string {
	var title string
	var find func(*html.Node)
	find = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			title = collapseSpace(nodeText(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return title
}

// nodeText returns the concatenated text content of a subtree.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.TrimSpace(b.String())
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
