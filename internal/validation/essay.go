package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/stemsi/exstem-skills/internal/model"
)

const (
	MinWordsTask1 = 150
	MinWordsTask2 = 250
	MaxWords      = 10_000
	MaxCharacters = 50_000
)

// WordCount splits on whitespace and drops empty tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// MinimumWords returns the lower word bound for a writing task. Unknown task
// types get the stricter task-2 bound.
func MinimumWords(task model.TaskType) int {
	if task == model.TaskType1 {
		return MinWordsTask1
	}
	return MinWordsTask2
}

// ValidateEssay checks word and character bounds of a writing answer.
func ValidateEssay(text string, task model.TaskType) Violations {
	var out Violations

	words := WordCount(text)
	if min := MinimumWords(task); words < min {
		out = append(out, Violation{
			Reason:   ReasonTooShort,
			Field:    "word_count",
			Measured: float64(words),
			Limit:    float64(min),
		})
	} else if words > MaxWords {
		out = append(out, Violation{
			Reason:   ReasonTooLong,
			Field:    "word_count",
			Measured: float64(words),
			Limit:    MaxWords,
		})
	}

	if chars := utf8.RuneCountInString(text); chars > MaxCharacters {
		out = append(out, Violation{
			Reason:   ReasonTooLong,
			Field:    "characters",
			Measured: float64(chars),
			Limit:    MaxCharacters,
		})
	}
	return out
}
