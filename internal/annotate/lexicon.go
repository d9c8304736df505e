package annotate

var stopwords = toSet(
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and", "any", "are", "as", "at",
	"be", "because", "been", "before", "being", "below", "between", "both", "but", "by",
	"can", "could", "did", "do", "does", "doing", "down", "during",
	"each", "few", "for", "from", "further", "had", "has", "have", "having", "he", "her", "here", "hers",
	"herself", "him", "himself", "his", "how", "i", "if", "in", "into", "is", "it", "its", "itself",
	"just", "let", "like", "me", "more", "most", "my", "myself", "no", "nor", "not", "now",
	"of", "off", "on", "once", "only", "or", "other", "our", "ours", "ourselves", "out", "over", "own",
	"really", "same", "she", "should", "so", "some", "such", "than", "that", "the", "their", "theirs",
	"them", "themselves", "then", "there", "these", "they", "this", "those", "through", "to", "too",
	"um", "uh", "under", "until", "up", "very", "was", "we", "were", "what", "when", "where", "which",
	"while", "who", "whom", "why", "will", "with", "would", "yeah", "you", "your", "yours", "yourself",
	"yourselves", "okay", "ok", "gonna", "got", "get", "going", "know", "think", "well", "also", "one",
	"i'm", "it's", "that's", "don't", "can't", "won't", "we're", "they're", "you're", "there's",
)

var negations = toSet(
	"not", "no", "never", "none", "nobody", "nothing", "neither", "nor", "without",
	"don't", "doesn't", "didn't", "isn't", "aren't", "wasn't", "weren't", "can't", "couldn't",
	"won't", "wouldn't", "shouldn't", "hardly",
)

var intensifiers = map[string]float64{
	"very":       1.5,
	"really":     1.4,
	"extremely":  1.8,
	"super":      1.5,
	"so":         1.3,
	"incredibly": 1.8,
	"quite":      1.2,
	"slightly":   0.6,
	"somewhat":   0.7,
	"barely":     0.5,
}

// valence scores run from -3 (strongly negative) to +3 (strongly positive).
var valence = map[string]float64{
	"amazing": 3, "awesome": 3, "excellent": 3, "fantastic": 3, "love": 3, "loved": 3, "outstanding": 3,
	"perfect": 3, "wonderful": 3, "brilliant": 3, "delighted": 3,
	"good": 2, "great": 2, "happy": 2, "glad": 2, "nice": 2, "pleased": 2, "success": 2, "successful": 2,
	"enjoy": 2, "enjoyed": 2, "excited": 2, "beautiful": 2, "best": 2, "win": 2, "won": 2, "thanks": 2,
	"thank": 2, "helpful": 2, "impressive": 2, "recommend": 2, "strong": 1, "better": 1, "fine": 1,
	"like": 1, "liked": 1, "agree": 1, "calm": 1, "clear": 1, "easy": 1, "fair": 1, "fun": 2,
	"improve": 1, "improved": 1, "interesting": 1, "okay": 1, "positive": 2, "progress": 1, "ready": 1,
	"safe": 1, "solid": 1, "smooth": 1, "support": 1, "works": 1, "working": 1, "fixed": 1, "growth": 1,
	"terrible": -3, "awful": -3, "horrible": -3, "hate": -3, "hated": -3, "disaster": -3, "worst": -3,
	"disgusting": -3, "furious": -3, "miserable": -3,
	"bad": -2, "sad": -2, "angry": -2, "poor": -2, "fail": -2, "failed": -2, "failure": -2, "broken": -2,
	"wrong": -2, "problem": -2, "problems": -2, "upset": -2, "worried": -2, "annoying": -2, "annoyed": -2,
	"disappointed": -2, "disappointing": -2, "crash": -2, "crashed": -2, "lost": -2, "lose": -2, "pain": -2,
	"worse": -2, "bug": -1, "bugs": -1, "issue": -1, "issues": -1, "slow": -1, "late": -1, "delay": -1,
	"delayed": -1, "difficult": -1, "hard": -1, "confused": -1, "concern": -1, "concerned": -1, "risk": -1,
	"tired": -1, "boring": -1, "weak": -1, "unfortunately": -1, "sorry": -1, "missing": -1, "error": -1,
}

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
