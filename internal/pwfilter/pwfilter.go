// Package pwfilter guesses whether a captured string is a password.
package pwfilter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Punctuation is the set of symbols that, together with letters and digits,
// passwords are assumed to be made of.
const Punctuation = `!'"@#$&*()<>[];/`

const (
	minLength      = 8
	minPunctuation = 2
	minDigits      = 2
)

// LooksLikePassword reports whether text is at least 8 characters of ASCII
// letters, digits and Punctuation, with at least two of each of the latter.
func LooksLikePassword(text string) bool {
	if utf8.RuneCountInString(text) < minLength {
		return false
	}
	var punct, digits int
	for _, r := range text {
		switch {
		case r < utf8.RuneSelf && unicode.IsLetter(r):
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune(Punctuation, r):
			punct++
		default:
			return false
		}
	}
	return punct >= minPunctuation && digits >= minDigits
}
