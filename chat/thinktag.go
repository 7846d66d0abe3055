package chat

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkScanner demultiplexes a text stream into answer text and inline
// thinking delimited by <think> tags. Tags may be split across chunk
// boundaries, so the scanner holds back any suffix that could be the start of
// a tag until the next chunk settles it.
type thinkScanner struct {
	inThink bool
	buf     string
}

// Feed consumes one chunk and returns the text and thinking portions that are
// safe to emit.
func (s *thinkScanner) Feed(chunk string) (text, thinking string) {
	s.buf += chunk
	var textOut, thinkOut strings.Builder

	for {
		if s.inThink {
			if i := strings.Index(s.buf, thinkClose); i >= 0 {
				thinkOut.WriteString(s.buf[:i])
				s.buf = s.buf[i+len(thinkClose):]
				s.inThink = false
				continue
			}
			held := partialTagSuffix(s.buf, thinkClose)
			thinkOut.WriteString(s.buf[:len(s.buf)-held])
			s.buf = s.buf[len(s.buf)-held:]
			return textOut.String(), thinkOut.String()
		}

		if i := strings.Index(s.buf, thinkOpen); i >= 0 {
			textOut.WriteString(s.buf[:i])
			s.buf = s.buf[i+len(thinkOpen):]
			s.inThink = true
			continue
		}
		held := partialTagSuffix(s.buf, thinkOpen)
		textOut.WriteString(s.buf[:len(s.buf)-held])
		s.buf = s.buf[len(s.buf)-held:]
		return textOut.String(), thinkOut.String()
	}
}

// Finish drains held-back text at end of stream. An unclosed think section
// stays thinking; a held partial tag that never completed is ordinary text.
func (s *thinkScanner) Finish() (text, thinking string) {
	rest := s.buf
	s.buf = ""
	if s.inThink {
		return "", rest
	}
	return rest, ""
}

// partialTagSuffix returns the length of the longest strict prefix of tag
// that the input ends with.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
