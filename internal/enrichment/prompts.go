package enrichment

import "fmt"

const profilePromptTemplate = "You are classifying whether a company is vegan friendly. " +
	"Return JSON with keys: summary_md, vegan_friendly, vegan_explanation, esg_summary.\n" +
	"Summary must be exactly one sentence. " +
	"Rules:\n" +
	"- vegan_friendly = false if the company:\n" +
	"  * produces/sells animal-derived food products (meat, dairy, eggs, leather),\n" +
	"  * runs animal agriculture or slaughter/processing,\n" +
	"  * performs or commissions animal testing (including pharmaceuticals/biotech).\n" +
	"- vegan_friendly = true only if there is clear evidence the company does NOT do any of the above.\n" +
	"- For banks, software, construction, and other non-animal industries: default to true unless context indicates involvement in animal testing or animal-derived products.\n" +
	"- For pharma/biotech: default to false unless explicit evidence of no animal testing exists.\n" +
	"- If the context is insufficient, set vegan_friendly = null and say what’s missing.\n" +
	"- If you are unsure, you MAY browse to verify; only browse when needed.\n" +
	"Use provided context first; browse only if needed.\n\n" +
	"Issuer: %s\n" +
	"Context:\n%s\n"

const ratingsPromptTemplate = "What is the credit rating of the issuer below? " +
	"Show Moody's, Fitch, and S&P (whichever are available). " +
	"Use only the issuer's official website as a source. " +
	"Return JSON with keys: moodys, fitch, sp, sources. " +
	"If a rating is not available on the issuer website, return null for that rating. " +
	"Only use verifiable information; do not guess.\n\n" +
	"Issuer: %s\n"

// ValidatePrompt is the fixed probe sent by Service.Validate.
const ValidatePrompt = `Return JSON: {"ok": true, "source": "validate"}`

const noContext = "No extra context provided."

// ProfilePrompt builds the Stage 1 classification prompt.
func ProfilePrompt(issuerName, context string) string {
	if context == "" {
		context = noContext
	}
	return fmt.Sprintf(profilePromptTemplate, issuerName, context)
}

// RatingsPrompt builds the Stage 2 ratings prompt.
func RatingsPrompt(issuerName string) string {
	return fmt.Sprintf(ratingsPromptTemplate, issuerName)
}
