package backend

import "strings"

// RefusalClassifier detects soft refusals: responses the backend returned
// as a success but whose content is a policy refusal. Detection is keyword
// matching configured per model family; an empty keyword list disables it.
type RefusalClassifier struct {
	keywords []string
}

func NewRefusalClassifier(keywords []string) *RefusalClassifier {
	compiled := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		if trimmed := strings.TrimSpace(keyword); trimmed != "" {
			compiled = append(compiled, strings.ToLower(trimmed))
		}
	}
	return &RefusalClassifier{keywords: compiled}
}

// IsRefusal reports whether the response text matches a refusal signature.
func (c *RefusalClassifier) IsRefusal(responseText string) bool {
	if len(c.keywords) == 0 {
		return false
	}
	lowered := strings.ToLower(responseText)
	for _, keyword := range c.keywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
