package summarize

import "strings"

// Prefilter decides, from the title alone, that a notice must skip the
// filter model and go straight to summarization.
type Prefilter interface {
	ForceKeep(title string) bool
}

// KeywordPrefilter force-keeps titles containing any of its keywords.
type KeywordPrefilter []string

// ForceKeep implements Prefilter.
func (k KeywordPrefilter) ForceKeep(title string) bool {
	for _, kw := range k {
		if kw != "" && strings.Contains(title, kw) {
			return true
		}
	}
	return false
}
