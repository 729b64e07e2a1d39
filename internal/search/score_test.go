package search

import "testing"

func TestScore(t *testing.T) {
	tests := []struct {
		name  string
		query string
		text  string
		want  int
	}{
		{"exact", "deploy", "deploy", 100},
		{"substring", "deploy", "we should deploy tonight", 100},
		{"case insensitive", "DEPLOY", "time to Deploy", 100},
		{"empty query", "", "anything", 0},
		{"empty text", "deploy", "", 0},
		{"disjoint", "zzzz", "aaaa", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.query, tt.text); got != tt.want {
				t.Errorf("Score(%q, %q) = %d, want %d", tt.query, tt.text, got, tt.want)
			}
		})
	}
}

func TestScoreNearMiss(t *testing.T) {
	// One substitution in a six-rune query inside longer text.
	got := Score("deploy", "we will d3ploy the service")
	if got < 80 || got >= 100 {
		t.Errorf("near-miss score = %d, want in [80, 100)", got)
	}

	// A near-miss must beat an unrelated text.
	if unrelated := Score("deploy", "lunch order thread"); unrelated >= got {
		t.Errorf("unrelated text scored %d >= near-miss %d", unrelated, got)
	}
}

func TestScoreQueryLongerThanText(t *testing.T) {
	got := Score("deployment pipeline", "deploy")
	if got <= 0 || got >= 100 {
		t.Errorf("score = %d, want partial", got)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		if got := levenshtein([]rune(tt.a), []rune(tt.b)); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
