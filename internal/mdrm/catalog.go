// Package mdrm holds the catalog of tracked FR Y-9C line items, keyed by
// MDRM code, with the statement and category each belongs to.
package mdrm

import (
	_ "embed"
	"os"
	"regexp"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Statement groups line items by the report section they belong to.
type Statement string

const (
	BalanceSheet    Statement = "balance_sheet"
	IncomeStatement Statement = "income_statement"
	Insurance       Statement = "insurance"
	Memoranda       Statement = "memoranda"
)

// Statements lists the known statements in display order.
var Statements = []Statement{BalanceSheet, IncomeStatement, Insurance, Memoranda}

// ParseStatement validates a statement name.
func ParseStatement(s string) (Statement, error) {
	for _, st := range Statements {
		if string(st) == s {
			return st, nil
		}
	}
	return "", eris.Errorf("mdrm: unknown statement %q", s)
}

var canonical = regexp.MustCompile(`^[A-Z]{4}[A-Z0-9]{4}$`)

// Canonical reports whether code is in canonical MDRM form (e.g. BHCK2170).
func Canonical(code string) bool {
	return canonical.MatchString(code)
}

// Item is one tracked line item.
type Item struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Statement Statement `json:"statement"`
	Category  string    `json:"category"`
}

// Catalog is an immutable set of tracked items. Items keep file order.
type Catalog struct {
	items  []Item
	byCode map[string]Item
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or returns the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mdrm: read catalog %s", path)
	}
	return Parse(data)
}

// Parse decodes a catalog document of the form statement -> category -> code -> name.
func Parse(data []byte) (*Catalog, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, eris.Wrap(err, "mdrm: parse catalog")
	}
	if len(root.Content) == 0 {
		return nil, eris.New("mdrm: empty catalog")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, eris.New("mdrm: catalog must be a mapping of statements")
	}

	c := &Catalog{byCode: make(map[string]Item)}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		st, err := ParseStatement(doc.Content[i].Value)
		if err != nil {
			return nil, err
		}
		cats := doc.Content[i+1]
		if cats.Kind != yaml.MappingNode {
			return nil, eris.Errorf("mdrm: statement %s must map categories", st)
		}
		for j := 0; j+1 < len(cats.Content); j += 2 {
			category := cats.Content[j].Value
			codes := cats.Content[j+1]
			if codes.Kind != yaml.MappingNode {
				return nil, eris.Errorf("mdrm: category %s/%s must map codes to names", st, category)
			}
			for k := 0; k+1 < len(codes.Content); k += 2 {
				item := Item{
					Code:      codes.Content[k].Value,
					Name:      codes.Content[k+1].Value,
					Statement: st,
					Category:  category,
				}
				if !Canonical(item.Code) {
					return nil, eris.Errorf("mdrm: invalid code %q (line %d)", item.Code, codes.Content[k].Line)
				}
				if _, dup := c.byCode[item.Code]; dup {
					return nil, eris.Errorf("mdrm: duplicate code %s", item.Code)
				}
				c.byCode[item.Code] = item
				c.items = append(c.items, item)
			}
		}
	}
	if len(c.items) == 0 {
		return nil, eris.New("mdrm: catalog has no items")
	}
	return c, nil
}

// Len returns the number of tracked items.
func (c *Catalog) Len() int { return len(c.items) }

// Items returns all items in catalog order.
func (c *Catalog) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Lookup returns the item for code.
func (c *Catalog) Lookup(code string) (Item, bool) {
	it, ok := c.byCode[code]
	return it, ok
}

// Tracked reports whether code is in the catalog.
func (c *Catalog) Tracked(code string) bool {
	_, ok := c.byCode[code]
	return ok
}

// Name returns the display name for code, or the code itself when untracked.
func (c *Catalog) Name(code string) string {
	if it, ok := c.byCode[code]; ok {
		return it.Name
	}
	return code
}

// Statement returns the items of one statement in catalog order.
func (c *Catalog) Statement(st Statement) []Item {
	var out []Item
	for _, it := range c.items {
		if it.Statement == st {
			out = append(out, it)
		}
	}
	return out
}

// Codes returns the codes of the given statements, or all codes when none are given.
func (c *Catalog) Codes(statements ...Statement) []string {
	want := make(map[Statement]bool, len(statements))
	for _, st := range statements {
		want[st] = true
	}
	var out []string
	for _, it := range c.items {
		if len(want) == 0 || want[it.Statement] {
			out = append(out, it.Code)
		}
	}
	return out
}

// Counts returns the number of items per statement.
func (c *Catalog) Counts() map[Statement]int {
	out := make(map[Statement]int)
	for _, it := range c.items {
		out[it.Statement]++
	}
	return out
}

// Categories returns the sorted distinct categories of a statement.
func (c *Catalog) Categories(st Statement) []string {
	seen := make(map[string]bool)
	for _, it := range c.items {
		if it.Statement == st {
			seen[it.Category] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
