package matcher

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

// Keys read from RawRecord.Attributes when a feed supplies them.
const (
	attrBulletType = "bulletType"
	attrCaseType   = "caseType"
)

// CleanTitle reduces a title that arrived with markup or entities to plain text with
// collapsed whitespace.
func CleanTitle(title string) string {
	if strings.ContainsAny(title, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(title))
		if err == nil {
			title = doc.Text()
		}
	}
	return strings.Join(strings.Fields(title), " ")
}

// Extract derives normalized attributes for a record. Structured fields win; the title fills
// whatever they leave empty.
func (p *Patterns) Extract(r models.RawRecord) models.Attributes {
	title := CleanTitle(r.Title)
	a := models.Attributes{
		Caliber:    p.normalizeCaliber(r.Caliber),
		Brand:      p.normalizeBrand(r.Brand),
		Grain:      r.Grain,
		RoundCount: r.RoundCount,
		BulletType: p.normalizeNamed(p.bulletTypes, r.Attributes[attrBulletType]),
		CaseType:   p.normalizeNamed(p.caseTypes, r.Attributes[attrCaseType]),
		UPC:        normalizeUPC(r.UPC),
	}

	if a.Caliber == "" {
		a.Caliber = firstNamed(p.calibers, title)
	}
	if a.Brand == "" {
		a.Brand = p.brandIn(withoutCaliber(p.calibers, title))
	}
	if a.Grain <= 0 {
		a.Grain = firstNumber(p.grain, title)
	}
	if a.RoundCount <= 0 {
		a.RoundCount = firstNumber(p.roundCount, title)
	}
	if a.BulletType == "" {
		a.BulletType = firstNamed(p.bulletTypes, title)
	}
	if a.CaseType == "" {
		a.CaseType = firstNamed(p.caseTypes, title)
	}
	return a
}

// normalizeCaliber maps a structured caliber onto the library's canonical name. Values the
// library does not know are kept as given.
func (p *Patterns) normalizeCaliber(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if name, ok := p.caliberNames[strings.ToLower(s)]; ok {
		return name
	}
	if name := firstNamed(p.calibers, s); name != "" {
		return name
	}
	return s
}

func (p *Patterns) normalizeBrand(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if brand, ok := p.brandNames[strings.ToLower(s)]; ok {
		return brand
	}
	if brand := p.brandIn(s); brand != "" {
		return brand
	}
	return s
}

func (p *Patterns) normalizeNamed(set []namedRegexps, s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, n := range set {
		if strings.EqualFold(n.name, s) {
			return n.name
		}
	}
	if name := firstNamed(set, s); name != "" {
		return name
	}
	return strings.ToUpper(s)
}

func (p *Patterns) brandIn(text string) string {
	for _, b := range p.brands {
		if b.re.MatchString(text) {
			return b.brand
		}
	}
	return ""
}

// withoutCaliber blanks the first caliber mention so names such as ".308 Winchester" or
// ".223 Rem" are not read as the maker.
func withoutCaliber(set []namedRegexps, text string) string {
	for _, n := range set {
		for _, re := range n.res {
			if loc := re.FindStringIndex(text); loc != nil {
				return text[:loc[0]] + " " + text[loc[1]:]
			}
		}
	}
	return text
}

func firstNamed(set []namedRegexps, text string) string {
	for _, n := range set {
		for _, re := range n.res {
			if re.MatchString(text) {
				return n.name
			}
		}
	}
	return ""
}

// firstNumber returns the first capture group of the first matching pattern.
func firstNumber(res []*regexp.Regexp, text string) int {
	for _, re := range res {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func normalizeUPC(s string) string {
	upc := util.CleanNumericString(s)
	if len(upc) < 8 {
		return ""
	}
	return upc
}
