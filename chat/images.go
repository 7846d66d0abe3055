package chat

import (
	"regexp"
	"strings"
)

// markdownImagePattern matches markdown image embeds with a data URI or
// http(s) source.
var (
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\((data:image/[^)\s]+|https?://[^)\s]+)\)`)
	blankRunPattern      = regexp.MustCompile(`\n{3,}`)
)

// ExtractImages pulls markdown-embedded images out of content, returning the
// content with the embeds stripped and the image sources in order of
// appearance. Duplicate sources are kept once.
func ExtractImages(content string) (string, []string) {
	matches := markdownImagePattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	seen := make(map[string]bool, len(matches))
	var images []string
	for _, m := range matches {
		if src := m[1]; !seen[src] {
			seen[src] = true
			images = append(images, src)
		}
	}

	cleaned := markdownImagePattern.ReplaceAllString(content, "")
	// Collapse the blank runs stripping leaves behind.
	cleaned = blankRunPattern.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned), images
}
