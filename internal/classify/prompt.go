package classify

import (
	"fmt"
	"strings"

	"github.com/sells-group/feedcat/internal/model"
)

const instructions = `You curate a catalog of syndication sources: RSS and Atom feeds, YouTube channels, subreddits and Bluesky profiles.

For the source described by the user, answer with one JSON object and nothing else:
{
  "title": "clean display title, without site slogans, separators or feed boilerplate",
  "author": "person or organization behind the source, or null when unknown",
  "description": "one or two neutral sentences describing what the source publishes",
  "language": "ISO 639-1 code of the content language",
  "tags": ["tags from the allowed list only"],
  "markers": ["markers from the allowed list only"],
  "keywords": ["up to 8 lowercase topical keywords"],
  "nsfw": false,
  "spam": false,
  "score": 0.0
}

score rates editorial quality and usefulness from 0 (worthless) to 10 (exceptional).
Use only tags and markers listed below; never invent new ones. An empty list is allowed.`

// systemPrompt renders the instructions and the allowed vocabulary. It is
// identical for every record so the block stays in the prompt cache.
func systemPrompt(vocab *model.Vocabulary) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nAllowed tags:\n")
	for _, t := range vocab.Tags() {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	b.WriteString("\nAllowed markers:\n")
	for _, m := range vocab.Markers() {
		if m == model.MarkerHighQuality {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", m)
	}
	return b.String()
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", req.Identity.Kind)
	fmt.Fprintf(&b, "Identity: %s\n", req.Identity.Key)
	writeField(&b, "Title", req.Title)
	writeField(&b, "Author", req.Author)
	writeField(&b, "Summary", req.Summary)
	writeField(&b, "Language", req.Language)
	if len(req.Keywords) > 0 {
		writeField(&b, "Keywords", strings.Join(req.Keywords, ", "))
	}
	writeField(&b, "Feed title", req.FeedTitle)
	writeField(&b, "Feed description", req.FeedDescription)
	if len(req.RecentTitles) > 0 {
		b.WriteString("Recent items:\n")
		for _, t := range req.RecentTitles {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "%s: %s\n", name, value)
	}
}
