package sec

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// ReportingOwner is one <reportingOwner> block of a Form 4.
type ReportingOwner struct {
	OwnerCIK          string
	OwnerName         string
	IsDirector        *bool
	IsOfficer         *bool
	IsTenPercentOwner *bool
	OfficerTitle      string
}

// TransactionRow is one non-derivative or derivative transaction.
type TransactionRow struct {
	IsDerivative         bool
	TransactionCode      string
	TransactionDate      string
	Shares               *float64
	Price                string // kept raw; price parsing happens at ingest
	SharesOwnedFollowing *float64
	RawPayload           map[string]interface{}
}

// ParsedForm4 is the structured view of a Form 4 ownershipDocument.
type ParsedForm4 struct {
	DocumentType        string
	IssuerCIK           string
	IssuerName          string
	IssuerTradingSymbol string
	ReportingOwners     []ReportingOwner
	Transactions        []TransactionRow
}

// xmlNode is a generic element tree. Form 4 XML is shallow and small, so a
// full tree is simpler and more tolerant than streaming token handling.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
	Text     string     `xml:",chardata"`
}

func (n *xmlNode) local() string {
	return n.XMLName.Local
}

func (n *xmlNode) child(name string) *xmlNode {
	if n == nil {
		return nil
	}
	for i := range n.Children {
		if n.Children[i].local() == name {
			return &n.Children[i]
		}
	}
	return nil
}

func (n *xmlNode) attr(names ...string) string {
	if n == nil {
		return ""
	}
	for _, want := range names {
		for _, a := range n.Attrs {
			if a.Name.Local == want {
				return strings.TrimSpace(a.Value)
			}
		}
	}
	return ""
}

// findText walks a path of local names and returns trimmed text, or "".
func (n *xmlNode) findText(path ...string) string {
	cur := n
	for _, p := range path {
		cur = cur.child(p)
		if cur == nil {
			return ""
		}
	}
	return strings.TrimSpace(cur.Text)
}

// findValueText follows the common SEC pattern <foo><value>TEXT</value></foo>.
func (n *xmlNode) findValueText(path ...string) string {
	return n.findText(append(path, "value")...)
}

// allText concatenates the text of a node and its descendants. Footnote text
// can contain nested markup.
func (n *xmlNode) allText() string {
	var b strings.Builder
	var walk func(*xmlNode)
	walk = func(node *xmlNode) {
		b.WriteString(node.Text)
		for i := range node.Children {
			walk(&node.Children[i])
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func (n *xmlNode) walk(fn func(*xmlNode)) {
	fn(n)
	for i := range n.Children {
		n.Children[i].walk(fn)
	}
}

func parseFloatTolerant(s string) *float64 {
	t := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if t == "" {
		return nil
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseBoolFlag(s string) *bool {
	switch strings.TrimSpace(s) {
	case "1", "true", "True":
		v := true
		return &v
	case "0", "false", "False":
		v := false
		return &v
	}
	return nil
}

func parseFootnotes(root *xmlNode) map[string]string {
	out := map[string]string{}
	fn := root.child("footnotes")
	if fn == nil {
		return out
	}
	for i := range fn.Children {
		child := &fn.Children[i]
		if !strings.EqualFold(child.local(), "footnote") {
			continue
		}
		id := child.attr("id", "ID")
		if id == "" {
			continue
		}
		if text := child.allText(); text != "" {
			out[id] = text
		}
	}
	return out
}

// ParseForm4XML parses an ownershipDocument. Tag namespaces are ignored; the
// document may be wrapped in an outer element.
func ParseForm4XML(xmlText string) (*ParsedForm4, error) {
	var root xmlNode
	if err := xml.Unmarshal([]byte(xmlText), &root); err != nil {
		return nil, fmt.Errorf("failed to parse form 4 xml: %w", err)
	}

	doc := &root
	if !strings.EqualFold(doc.local(), "ownershipdocument") {
		var found *xmlNode
		root.walk(func(n *xmlNode) {
			if found == nil && strings.EqualFold(n.local(), "ownershipdocument") {
				found = n
			}
		})
		if found == nil {
			return nil, fmt.Errorf("no ownershipDocument element found in xml")
		}
		doc = found
	}

	footnotes := parseFootnotes(doc)

	parsed := &ParsedForm4{
		DocumentType: doc.findText("documentType"),
	}

	if issuer := doc.child("issuer"); issuer != nil {
		parsed.IssuerCIK = issuer.findText("issuerCik")
		parsed.IssuerName = issuer.findText("issuerName")
		parsed.IssuerTradingSymbol = issuer.findText("issuerTradingSymbol")
	}

	for i := range doc.Children {
		ro := &doc.Children[i]
		if ro.local() != "reportingOwner" {
			continue
		}
		id := ro.child("reportingOwnerId")
		rel := ro.child("reportingOwnerRelationship")
		parsed.ReportingOwners = append(parsed.ReportingOwners, ReportingOwner{
			OwnerCIK:          id.findText("rptOwnerCik"),
			OwnerName:         id.findText("rptOwnerName"),
			IsDirector:        parseBoolFlag(rel.findText("isDirector")),
			IsOfficer:         parseBoolFlag(rel.findText("isOfficer")),
			IsTenPercentOwner: parseBoolFlag(rel.findText("isTenPercentOwner")),
			OfficerTitle:      rel.findText("officerTitle"),
		})
	}

	if table := doc.child("nonDerivativeTable"); table != nil {
		for i := range table.Children {
			tx := &table.Children[i]
			if tx.local() != "nonDerivativeTransaction" {
				continue
			}
			parsed.Transactions = append(parsed.Transactions, parseTransaction(tx, false, footnotes))
		}
	}
	if table := doc.child("derivativeTable"); table != nil {
		for i := range table.Children {
			tx := &table.Children[i]
			if tx.local() != "derivativeTransaction" {
				continue
			}
			parsed.Transactions = append(parsed.Transactions, parseTransaction(tx, true, footnotes))
		}
	}

	return parsed, nil
}

func parseTransaction(tx *xmlNode, isDerivative bool, footnotes map[string]string) TransactionRow {
	code := tx.findText("transactionCoding", "transactionCode")
	date := tx.findValueText("transactionDate")
	shares := parseFloatTolerant(tx.findValueText("transactionAmounts", "transactionShares"))
	priceRaw := tx.findValueText("transactionAmounts", "transactionPricePerShare")
	sharesFollow := parseFloatTolerant(tx.findValueText("postTransactionAmounts", "sharesOwnedFollowingTransaction"))

	// Compact audit payload; the full XML stays in filing_documents.
	raw := map[string]interface{}{
		"transaction_code":       nullableStr(code),
		"transaction_date":       nullableStr(date),
		"shares":                 nullableFloat(shares),
		"price":                  nullableStr(priceRaw),
		"shares_owned_following": nullableFloat(sharesFollow),
		"is_derivative":          isDerivative,
	}

	if acqDisp := tx.findValueText("transactionAmounts", "transactionAcquiredDisposedCode"); acqDisp != "" {
		raw["acquired_disposed"] = acqDisp
	}

	secTitle := tx.findValueText("securityTitle")
	if secTitle == "" {
		secTitle = tx.findText("securityTitle")
	}
	if secTitle != "" {
		raw["security_title"] = secTitle
	}

	// Footnote references, unique in document order.
	var footnoteIDs []string
	seen := map[string]bool{}
	tx.walk(func(n *xmlNode) {
		if !strings.EqualFold(n.local(), "footnoteid") {
			return
		}
		if id := n.attr("id", "ID"); id != "" && !seen[id] {
			seen[id] = true
			footnoteIDs = append(footnoteIDs, id)
		}
	})
	if len(footnoteIDs) > 0 {
		raw["footnote_ids"] = footnoteIDs
		var notes []map[string]string
		for _, id := range footnoteIDs {
			if text := footnotes[id]; text != "" {
				notes = append(notes, map[string]string{"id": id, "text": text})
			}
		}
		if len(notes) > 0 {
			raw["footnotes"] = notes
		}
	}

	return TransactionRow{
		IsDerivative:         isDerivative,
		TransactionCode:      code,
		TransactionDate:      date,
		Shares:               shares,
		Price:                priceRaw,
		SharesOwnedFollowing: sharesFollow,
		RawPayload:           raw,
	}
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
