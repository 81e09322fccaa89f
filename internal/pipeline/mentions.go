package pipeline

import (
	"strings"
	"unicode"

	"chatsync/internal/models"
)

// Mention is an @-token in a draft that matched a roster member. Mentions are
// a display concern (highlighting); they never block or alter delivery, and a
// token with no roster match is simply not a mention.
type Mention struct {
	Username string
	UserID   string
	Start    int
	End      int
}

// DetectMentions scans text for @username tokens against the roster. Matching
// is case-insensitive; token boundaries are whitespace or punctuation.
func DetectMentions(text string, roster []models.RosterEntry) []Mention {
	if text == "" || len(roster) == 0 {
		return nil
	}
	byName := make(map[string]models.RosterEntry, len(roster))
	for _, entry := range roster {
		byName[strings.ToLower(entry.Username)] = entry
	}

	var mentions []Mention
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		if i > 0 && !isBoundary(runes[i-1]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isTokenRune(runes[j]) {
			j++
		}
		if j == i+1 {
			continue
		}
		token := string(runes[i+1 : j])
		if entry, ok := byName[strings.ToLower(token)]; ok {
			mentions = append(mentions, Mention{
				Username: entry.Username,
				UserID:   entry.UserID,
				Start:    i,
				End:      j,
			})
		}
		i = j - 1
	}
	return mentions
}

func isBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-'
}
