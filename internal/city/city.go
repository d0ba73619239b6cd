package city

import (
	"regexp"
	"strings"
	"unicode"
)

// City is a canonicalized city. ID is the lowercase stored form.
type City struct {
	ID    string
	Name  string
	Known bool
}

// Slug renders the id as a URL path segment.
func (c City) Slug() string {
	return strings.ReplaceAll(c.ID, " ", "-")
}

func (c City) String() string { return c.Name }

// Alias maps a lowercase alias to a canonical display name.
type Alias struct {
	Alias string
	Name  string
}

// DefaultAliases is matched in order; the first hit wins. More specific
// names precede names they contain.
var DefaultAliases = []Alias{
	{"navi mumbai", "Navi Mumbai"},
	{"new delhi", "Delhi"},
	{"mumbai", "Mumbai"},
	{"bombay", "Mumbai"},
	{"delhi", "Delhi"},
	{"bengaluru", "Bengaluru"},
	{"bangalore", "Bengaluru"},
	{"chennai", "Chennai"},
	{"madras", "Chennai"},
	{"hyderabad", "Hyderabad"},
	{"hyd", "Hyderabad"},
	{"kolkata", "Kolkata"},
	{"calcutta", "Kolkata"},
	{"kol", "Kolkata"},
	{"ahmedabad", "Ahmedabad"},
	{"madurai", "Madurai"},
	{"visakhapatnam", "Visakhapatnam"},
	{"vishakapatnam", "Visakhapatnam"},
	{"vizag", "Visakhapatnam"},
	{"lucknow", "Lucknow"},
	{"luknow", "Lucknow"},
	{"vijayawada", "Vijayawada"},
	{"surat", "Surat"},
	{"patna", "Patna"},
	{"kochi", "Kochi"},
	{"cochin", "Kochi"},
	{"jaipur", "Jaipur"},
	{"mysore", "Mysore"},
	{"mysuru", "Mysore"},
	{"trivandrum", "Trivandrum"},
	{"thiruvananthapuram", "Trivandrum"},
	{"vadodara", "Vadodara"},
	{"baroda", "Vadodara"},
	{"nagpur", "Nagpur"},
	{"coimbatore", "Coimbatore"},
	{"pune", "Pune"},
	{"poona", "Pune"},
	{"bhubaneswar", "Bhubaneswar"},
	{"bhubaneshwar", "Bhubaneswar"},
	{"nashik", "Nashik"},
	{"nasik", "Nashik"},
	{"prayagraj", "Prayagraj"},
	{"allahabad", "Prayagraj"},
	{"muzaffarpur", "Muzaffarpur"},
	{"muzaffurpur", "Muzaffarpur"},
}

var nonLetters = regexp.MustCompile(`[^\p{L}]+`)

// Resolver canonicalizes free-form city names.
type Resolver struct {
	aliases []Alias
}

// NewResolver builds a resolver. Extra aliases are consulted before the defaults.
func NewResolver(extra ...Alias) *Resolver {
	aliases := make([]Alias, 0, len(extra)+len(DefaultAliases))
	for _, a := range extra {
		key := normalizeText(a.Alias)
		if key == "" || strings.TrimSpace(a.Name) == "" {
			continue
		}
		aliases = append(aliases, Alias{Alias: key, Name: strings.TrimSpace(a.Name)})
	}
	aliases = append(aliases, DefaultAliases...)
	return &Resolver{aliases: aliases}
}

var std = NewResolver()

// Default returns the resolver backed by DefaultAliases.
func Default() *Resolver { return std }

// Resolve maps raw text onto a canonical city. Unknown names fall back to
// the title-cased raw text. Only blank input yields ok=false.
func (r *Resolver) Resolve(raw string) (City, bool) {
	text := normalizeText(raw)
	if text == "" {
		return City{}, false
	}

	padded := " " + text + " "
	for _, a := range r.aliases {
		if strings.Contains(padded, " "+a.Alias+" ") {
			return City{ID: strings.ToLower(a.Name), Name: a.Name, Known: true}, true
		}
	}

	name := titleCase(strings.Join(strings.Fields(raw), " "))
	return City{ID: strings.ToLower(name), Name: name}, true
}

// Lookup resolves an already canonical id, e.g. one read from storage.
func (r *Resolver) Lookup(id string) City {
	c, ok := r.Resolve(id)
	if !ok {
		return City{}
	}
	return c
}

func normalizeText(s string) string {
	return strings.TrimSpace(nonLetters.ReplaceAllString(strings.ToLower(s), " "))
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
