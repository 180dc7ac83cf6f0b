package decision

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"pricewatch/internal/catalog"
	"pricewatch/internal/suggest"
)

const (
	lineFirstDrop    = "First price drop detected"
	lineInsufficient = "Not enough history for this item to judge whether this is a good buy."
)

// emailPolicy is the final pass over every HTML body.
var emailPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("br", "b")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	return p
}()

func knownPrice(v float64) catalog.Price { return catalog.Known(v) }

func money(v float64) string { return catalog.FormatAmount(v) }

func dropMessage(in Input, ins suggest.Insight) Message {
	head := fmt.Sprintf("The price of '%s' dropped from %s to %s.", in.Name, money(in.Previous), money(in.Current))
	return Message{
		Subject: SubjectDrop,
		Text:    textBody([]string{head}, in.URL, ins),
		HTML:    htmlBody([]string{escapedHead(head, in.Name)}, in.URL, ins),
		Image:   in.Image,
	}
}

func thresholdMessage(in Input, threshold float64, ins suggest.Insight) Message {
	lines := []string{
		fmt.Sprintf("The price of '%s' is below your threshold of %s.", in.Name, money(threshold)),
		fmt.Sprintf("The current price is %s.", money(in.Current)),
	}
	htmlLines := []string{escapedHead(lines[0], in.Name), lines[1]}
	return Message{
		Subject: SubjectThreshold,
		Text:    textBody(lines, in.URL, ins),
		HTML:    htmlBody(htmlLines, in.URL, ins),
		Image:   in.Image,
	}
}

// escapedHead escapes the item name inside a sentence; the rest of the
// sentence is our own text.
func escapedHead(line, name string) string {
	return strings.Replace(line, "'"+name+"'", "'"+html.EscapeString(name)+"'", 1)
}

func detailLines(ins suggest.Insight) ([]string, string) {
	if ins.Stats.Flat() {
		return []string{lineFirstDrop}, lineInsufficient
	}
	return []string{
		"Average price: " + money(ins.Stats.Average),
		"Historical minimum: " + money(ins.Stats.Minimum),
		"Historical maximum: " + money(ins.Stats.Maximum),
	}, ins.Suggestion.Text
}

func textBody(head []string, url string, ins suggest.Insight) string {
	details, advice := detailLines(ins)
	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	b.WriteString("\n\nDetails:")
	for _, d := range details {
		b.WriteString("\n\t- ")
		b.WriteString(d)
	}
	b.WriteString("\n\n")
	b.WriteString(advice)
	b.WriteString("\n\nBuy now: ")
	b.WriteString(url)
	return b.String()
}

func htmlBody(head []string, url string, ins suggest.Insight) string {
	details, advice := detailLines(ins)
	var b strings.Builder
	b.WriteString(strings.Join(head, "<br>"))
	b.WriteString("<br><br>Details:")
	for _, d := range details {
		b.WriteString("<br>\t- ")
		b.WriteString(d)
	}
	b.WriteString("<br><br>")
	b.WriteString(html.EscapeString(advice))
	b.WriteString("<br><br>Buy now: <a href=\"")
	b.WriteString(html.EscapeString(url))
	b.WriteString("\">click here</a><br><br>")
	return emailPolicy.Sanitize(b.String())
}
