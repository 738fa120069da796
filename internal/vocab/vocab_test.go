package vocab_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/livescribe/internal/vocab"
)

func TestCorrect_TwoSpokenWordsBecomeOneTerm(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Eldrinax", "Grimjaw"})

	got := c.Correct("please transfer me to elder nacks.")
	want := "please transfer me to Eldrinax."
	if got != want {
		t.Errorf("Correct() = %q, want %q", got, want)
	}
}

func TestCorrect_MultiWordTerm(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Tower of Whispers", "Eldrinax", "Grimjaw"})

	got := c.Correct("tower of wispers is dangerous")
	if !strings.Contains(got, "Tower of Whispers") {
		t.Errorf("Correct() = %q, want it to contain %q", got, "Tower of Whispers")
	}
}

func TestCorrect_RestoresCasing(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Grimjaw"})

	got := c.Correct("grimjaw entered the tavern.")
	want := "Grimjaw entered the tavern."
	if got != want {
		t.Errorf("Correct() = %q, want %q", got, want)
	}
}

func TestCorrect_NoMatchLeavesTextUntouched(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Eldrinax", "Grimjaw"})

	for _, text := range []string{"hello there", "  spaced   out  ", ""} {
		if got := c.Correct(text); got != text {
			t.Errorf("Correct(%q) = %q, want unchanged", text, got)
		}
	}
}

func TestCorrect_EmptyVocabulary(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"", "   "})
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
	if got := c.Correct("elder nacks"); got != "elder nacks" {
		t.Errorf("Correct() = %q, want unchanged", got)
	}
}

func TestCorrect_ThresholdsRejectWeakMatches(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Eldrinax"},
		vocab.WithPhoneticThreshold(0.99),
		vocab.WithFuzzyThreshold(0.99),
	)

	if got := c.Correct("elder nacks"); got != "elder nacks" {
		t.Errorf("Correct() = %q, want unchanged under strict thresholds", got)
	}
}

func TestCorrect_ConcurrentUse(t *testing.T) {
	t.Parallel()

	c := vocab.New([]string{"Eldrinax"})
	done := make(chan string, 8)
	for range 8 {
		go func() { done <- c.Correct("ELDRINAX said hi") }()
	}
	for range 8 {
		if got := <-done; got != "Eldrinax said hi" {
			t.Errorf("Correct() = %q, want %q", got, "Eldrinax said hi")
		}
	}
}
