package codegen

import (
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/catalog"
)

// DefaultSubject names reminders whose WHAT has no content words.
const DefaultSubject = "reminder"

var subjectStopWords = setOf("a", "an", "the", "my", "your", "our", "to", "of", "for", "and", "or", "me", "i",
	"it", "on", "in", "at", "with", "from", "up", "out", "off", "remind", "please", "take", "get", "go", "do",
	"make", "check", "put", "grab", "bring", "turn", "start", "stop", "use", "have", "be", "is", "are", "some", "that", "this")

// Subject derives a short snake_case identifier from a WHAT phrase: its
// first two content words.
func Subject(what string) string {
	var words []string
	for _, w := range strings.Fields(catalog.Normalize(what)) {
		if subjectStopWords[w] || !isASCIIWord(w) {
			continue
		}
		words = append(words, w)
		if len(words) == 2 {
			break
		}
	}
	if len(words) == 0 {
		return DefaultSubject
	}
	return strings.Join(words, "_")
}

// FunctionNames returns the trigger and cancel function names for a WHAT phrase.
func FunctionNames(what string) (trigger, cancel string) {
	s := Subject(what)
	return s + "_trigger", s + "_cancel"
}

func isASCIIWord(w string) bool {
	for _, r := range w {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return w != ""
}
