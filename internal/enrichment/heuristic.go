package enrichment

import "strings"

// HeuristicExplanation tags verdicts inferred from keywords rather than
// stated by the model.
const HeuristicExplanation = "Heuristic based on issuer context/industry keywords; no explicit statement found."

type keywordRule struct {
	verdict  bool
	keywords []string
}

// veganRules are checked in order; the first rule with a matching keyword
// decides the verdict.
var veganRules = []keywordRule{
	{
		verdict: false,
		keywords: []string{
			"food", "beverage", "chocolate", "confectionery", "cocoa",
			"meat", "dairy", "poultry", "slaughter", "livestock", "leather",
			"animal testing", "pharma", "pharmaceutical", "biotech",
			"biotechnology", "drug", "medicinal", "vaccine",
		},
	},
	{
		verdict: true,
		keywords: []string{
			"bank", "insurance", "financial", "software", "construction",
			"engineering", "transport", "automotive", "mobility", "logistics",
			"vehicle", "car", "telecom", "technology", "industrial", "utilities",
		},
	},
}

// InferVeganFriendly applies the keyword rules to the issuer name and
// context. It returns nil when no rule matches.
func InferVeganFriendly(issuerName, context string) *bool {
	text := strings.ToLower(issuerName + "\n" + context)
	for _, rule := range veganRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				v := rule.verdict
				return &v
			}
		}
	}
	return nil
}
