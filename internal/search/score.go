package search

import "strings"

// Score rates how well query matches text, 0 to 100. Matching is
// case-insensitive and substring-biased: any exact substring hit scores 100,
// otherwise the best-aligned window of the text is compared by edit
// distance.
func Score(query, text string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	t := strings.ToLower(text)
	if q == "" || t == "" {
		return 0
	}
	if strings.Contains(t, q) {
		return 100
	}

	qr := []rune(q)
	tr := []rune(t)
	if len(tr) <= len(qr) {
		return similarity(qr, tr)
	}

	// Slide a query-sized window across the text and keep the best match.
	best := 0
	for i := 0; i+len(qr) <= len(tr); i++ {
		if s := similarity(qr, tr[i:i+len(qr)]); s > best {
			best = s
			if best == 100 {
				break
			}
		}
	}
	return best
}

// similarity converts edit distance into a 0-100 score relative to the
// longer input.
func similarity(a, b []rune) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	d := levenshtein(a, b)
	return (n - d) * 100 / n
}

// levenshtein computes edit distance with a rolling single row.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur := row[j]
			row[j] = min(row[j]+1, row[j-1]+1, prev+cost)
			prev = cur
		}
	}
	return row[len(b)]
}
