// Package htmltable extracts item attributes from the gift page's HTML table.
package htmltable

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pvoronin/giftwatch/internal/monitor"
)

// tableSelector is the structural marker a gift page must carry; a document
// without it is reported as not found.
const tableSelector = "table.tgme_gift_table"

// Row headers recognized in the attribute table.
const (
	headerOwner    = "Owner"
	headerModel    = "Model"
	headerBackdrop = "Backdrop"
	headerSymbol   = "Symbol"
	headerQuantity = "Quantity"
)

// Extractor implements monitor.Extractor over goquery. It is pure and
// side-effect-free; every failure mode is reported as not-found, never as
// an error.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract parses the document and returns its field map. The boolean is
// false when the document cannot be parsed or the attribute table is absent.
func (e *Extractor) Extract(body []byte) (monitor.Fields, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return monitor.Fields{}, false
	}
	table := doc.Find(tableSelector).First()
	if table.Length() == 0 {
		return monitor.Fields{}, false
	}

	data := make(map[string]string)
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		th := row.Find("th").First()
		td := row.Find("td").First()
		if th.Length() == 0 || td.Length() == 0 {
			return
		}
		data[strings.TrimSpace(th.Text())] = strings.TrimSpace(td.Text())
	})

	return monitor.Fields{
		Owner:    data[headerOwner],
		Model:    data[headerModel],
		Backdrop: data[headerBackdrop],
		Symbol:   data[headerSymbol],
		Quantity: ParseQuantity(data[headerQuantity]),
	}, true
}

// ParseQuantity reads the leading run of digits before the first '/' in a
// value like "1234/9999". Absent or non-numeric input yields nil, never an
// error.
func ParseQuantity(raw string) *int {
	if raw == "" {
		return nil
	}
	part := raw
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		part = raw[:i]
	}
	var digits strings.Builder
	for _, ch := range part {
		if ch >= '0' && ch <= '9' {
			digits.WriteRune(ch)
		}
	}
	if digits.Len() == 0 {
		return nil
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return nil
	}
	return &n
}
