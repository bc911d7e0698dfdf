package adapter

// CategoryPolicy keeps search results that belong to the tracked product category.
// A title passes when every term of at least one Include group matches and no
// Exclude term matches.
type CategoryPolicy struct {
	Include [][]string
	Exclude []string
}

// Verdict explains a policy decision.
type Verdict struct {
	Keep   bool
	Reason string
}

// PokemonTCG is the default policy for sealed trading-card product.
var PokemonTCG = CategoryPolicy{
	Include: [][]string{
		{"pokemon", "tcg"},
		{"pokemon", "trading card"},
		{"pokemon", "booster"},
		{"pokemon", "elite trainer"},
		{"pokemon", "etb"},
		{"pokemon", "collection"},
		{"pokemon", "tin"},
		{"pokemon", "blister"},
		{"pokemon", "card"},
		{"pokemon", "cards"},
	},
	Exclude: []string{
		"plush", "plushie", "figure", "figures", "figurine", "funko", "squishmallow",
		"t shirt", "tshirt", "shirt", "hoodie", "costume", "pajamas", "socks", "hat",
		"mug", "backpack", "lunch box", "poster", "puzzle", "lego", "mega construx",
		"video game", "nintendo switch", "amiibo", "sleeves", "binder", "playmat", "deck box",
		"sticker", "keychain", "pillow", "blanket", "toy",
	},
}

// Evaluate applies the policy to a product title.
func (p CategoryPolicy) Evaluate(title string) Verdict {
	folded := fold(title)
	for _, term := range p.Exclude {
		if containsTerm(folded, term) {
			return Verdict{Keep: false, Reason: "excluded:" + term}
		}
	}
	if len(p.Include) == 0 {
		return Verdict{Keep: true, Reason: "no_policy"}
	}
	for _, group := range p.Include {
		if matchesAll(folded, group) {
			return Verdict{Keep: true, Reason: "included"}
		}
	}
	return Verdict{Keep: false, Reason: "no_category_match"}
}

// Keep is shorthand for Evaluate(title).Keep.
func (p CategoryPolicy) Keep(title string) bool {
	return p.Evaluate(title).Keep
}

func matchesAll(folded string, group []string) bool {
	if len(group) == 0 {
		return false
	}
	for _, term := range group {
		if !containsTerm(folded, term) {
			return false
		}
	}
	return true
}
