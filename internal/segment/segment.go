// Package segment splits oversized reply text into ordered, delivery-sized
// parts. Splitting prefers sentence boundaries and falls back to comma
// boundaries only when a single sentence is itself too long for one part.
package segment

import "strings"

// markerReserve is headroom kept inside maxLength for the "[Part i/n]"
// marker the caller attaches to each delivered part.
const markerReserve = 20

// Split breaks text into chunks of at most maxLength-markerReserve
// characters. Chunks preserve the original order, are never empty, and a
// chunk never cuts a sentence unless that sentence alone exceeds the limit.
// Empty input yields no chunks.
func Split(text string, maxLength int) []string {
	limit := maxLength - markerReserve
	if limit <= 0 {
		limit = maxLength
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, sentence := range sentences(text) {
		switch {
		case len(sentence) > limit:
			flush()
			chunks = appendClauses(chunks, &current, sentence, limit)
		case current.Len()+len(sentence)+1 > limit:
			flush()
			current.WriteString(sentence)
			current.WriteString(" ")
		default:
			current.WriteString(sentence)
			current.WriteString(" ")
		}
	}
	flush()

	return chunks
}

// appendClauses packs the comma-separated clauses of one oversized sentence
// greedily, flushing completed chunks into chunks and leaving the remainder
// in current for the following sentences to join.
func appendClauses(chunks []string, current *strings.Builder, sentence string, limit int) []string {
	clauses := strings.Split(sentence, ", ")
	for idx, clause := range clauses {
		piece := clause
		if idx < len(clauses)-1 {
			piece += ", "
		}
		if current.Len()+len(piece) > limit {
			if s := strings.TrimSpace(current.String()); s != "" {
				chunks = append(chunks, s)
			}
			current.Reset()
		}
		// A clause longer than the limit has no boundary left to honor;
		// hard-wrap it.
		for len(piece) > limit {
			chunks = append(chunks, strings.TrimSpace(piece[:limit]))
			piece = piece[limit:]
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		current.WriteString(" ")
	}
	return chunks
}

// sentences splits text after runs of sentence punctuation followed by
// whitespace, keeping the punctuation with the preceding sentence.
func sentences(text string) []string {
	var out []string
	start := 0
	i := 0
	for i < len(text) {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' {
			// Consume the full punctuation run ("?!", "...").
			for i+1 < len(text) && (text[i+1] == '.' || text[i+1] == '!' || text[i+1] == '?') {
				i++
			}
			if i+1 < len(text) && isSpace(text[i+1]) {
				out = append(out, text[start:i+1])
				i++
				for i < len(text) && isSpace(text[i]) {
					i++
				}
				start = i
				continue
			}
		}
		i++
	}
	if start < len(text) {
		if s := text[start:]; strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
