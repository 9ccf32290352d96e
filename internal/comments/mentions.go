package comments

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.@-])@([A-Za-z0-9_.-]+)`)

// ExtractMentions returns the distinct user ids mentioned as @userId in
// content, in order of first appearance. The author is never included.
func ExtractMentions(content, author string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		userID := strings.TrimRight(match[1], ".-")
		if userID == "" || userID == author {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}
	return out
}
