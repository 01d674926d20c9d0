package matching

// stopwords are ignored by token overlap and by the shared-token guardrail.
// Besides Spanish and English function words the list carries generic
// framing nouns ("falta de", "lack of", "problema de") that coders put in
// front of the concept itself.
var stopwords = toSet(
	// es
	"a", "al", "ante", "bajo", "como", "con", "contra", "de", "del", "desde", "durante",
	"e", "el", "ella", "ellas", "ellos", "en", "entre", "es", "esa", "ese", "eso", "esta",
	"este", "esto", "hacia", "hasta", "la", "las", "le", "les", "lo", "los", "mas", "mediante",
	"muy", "ni", "no", "o", "para", "pero", "por", "que", "se", "segun", "sin", "sobre",
	"su", "sus", "tras", "u", "un", "una", "unas", "uno", "unos", "y", "ya",
	// en
	"an", "and", "are", "as", "at", "be", "by", "for", "from", "in", "into", "is", "it",
	"its", "of", "on", "or", "that", "the", "their", "this", "to", "with", "without",
	// framing nouns
	"aspecto", "aspectos", "cosa", "cosas", "falta", "problema", "problemas", "tema", "temas",
	"tipo", "tipos", "aspect", "aspects", "issue", "issues", "kind", "lack", "problem",
	"problems", "topic", "topics", "type",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// IsStopword reports whether a normalized token carries no concept on its own.
func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}
