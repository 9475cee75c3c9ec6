// Package fingerprint turns raw query text into a canonical fingerprint.
//
// Two statements that differ only in literal values produce the same
// fingerprint, so their execution statistics can be aggregated together:
//
//	SELECT * FROM t WHERE id = 5               -> SELECT * FROM t WHERE id = ?
//	SELECT * FROM t WHERE id IN (1,2,3)        -> SELECT * FROM t WHERE id IN (?)
//	SELECT * FROM t WHERE name LIKE 'foo%'     -> SELECT * FROM t WHERE name LIKE ?
//	SELECT a FROM edges_42_meta WHERE b = -7   -> SELECT a FROM edges_?_meta WHERE b = ?
//
// This is a lexical pass, not a parser. Only a handful of literal-like shapes
// are recognized; everything else is copied through unchanged (except line
// breaks, which become spaces). Block comments are dropped, and a
// "client_id" key inside one is reported as the statement's client tag.
//
// The canonicalizer is pure and holds no state. It is safe to call from any
// number of goroutines.
package fingerprint

const (
	// MaxClientIDLength is the longest client tag kept from a comment.
	MaxClientIDLength = 48

	// DefaultMaxLength is the fingerprint length used when none is configured.
	DefaultMaxLength = 4096

	// MaxLengthCeiling is the largest fingerprint length that may be configured.
	MaxLengthCeiling = 256 * 1024

	// KeyDelimiter separates the fingerprint from the client tag in
	// per-client cache keys.
	KeyDelimiter = '@'

	// Placeholder replaces every recognized literal.
	Placeholder = '?'
)

// BufferSize returns the scratch capacity needed to canonicalize a query of
// queryLen bytes and append a client tag to it.
func BufferSize(queryLen int) int {
	return queryLen + 3*MaxClientIDLength + 1
}

// ClampLength normalizes a configured fingerprint length: non-positive values
// select DefaultMaxLength and anything above MaxLengthCeiling is capped.
func ClampLength(maxLen int) int {
	switch {
	case maxLen <= 0:
		return DefaultMaxLength
	case maxLen > MaxLengthCeiling:
		return MaxLengthCeiling
	default:
		return maxLen
	}
}

// Canonicalize returns the fingerprint of query and the client tag found in
// its comments (nil when there is none). The fingerprint is truncated to
// maxLen bytes. Both results are freshly allocated.
func Canonicalize(query []byte, maxLen int) (fingerprint, clientTag []byte) {
	out, tag := AppendCanonical(make([]byte, 0, min(len(query), ClampLength(maxLen))), query, maxLen)
	if tag != nil {
		clientTag = append([]byte(nil), tag...)
	}
	return out, clientTag
}

// CanonicalizeString is Canonicalize for string input.
func CanonicalizeString(query string, maxLen int) (fingerprint, clientTag string) {
	fp, tag := Canonicalize([]byte(query), maxLen)
	return string(fp), string(tag)
}

// AppendCanonical appends the fingerprint of query to dst and returns the
// extended buffer together with the client tag. At most maxLen bytes are
// appended. The returned tag aliases query and must be copied if it has to
// outlive it.
//
// Scanning stops at the end of query or at the first NUL byte.
func AppendCanonical(dst, query []byte, maxLen int) ([]byte, []byte) {
	s := scanner{
		src:   query,
		out:   dst,
		base:  len(dst),
		limit: ClampLength(maxLen),
	}
	for i, c := range query {
		if c == 0 {
			s.src = query[:i]
			break
		}
	}
	s.run()
	return s.out, s.tag
}

type scanner struct {
	src   []byte
	out   []byte
	base  int
	limit int
	tag   []byte
}

// emit appends to the output while the length bound allows it.
func (s *scanner) emit(b ...byte) {
	room := s.limit - (len(s.out) - s.base)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	s.out = append(s.out, b...)
}

func (s *scanner) run() {
	src := s.src
	i := 0
	for i < len(src) {
		if n := s.numeric(i); n > 0 {
			s.emit(Placeholder)
			i += n
			continue
		}
		if n := s.identifierID(i); n > 0 {
			s.emit(Placeholder)
			i += n
			continue
		}
		if head := s.listHead(i); head > 0 {
			s.emit(src[i : i+head]...)
			s.emit(Placeholder)
			i = s.skipListBody(i + head)
			continue
		}
		if head := s.likeHead(i); head > 0 {
			s.emit(src[i : i+head]...)
			s.emit(Placeholder)
			i = s.skipQuoted(i + head)
			continue
		}
		if n := s.negativeNumeric(i); n > 0 {
			s.emit(Placeholder)
			i += n
			continue
		}
		if src[i] == '/' && i+1 < len(src) && src[i+1] == '*' {
			i = s.comment(i + 2)
			continue
		}

		c := src[i]
		if c == '\n' || c == '\r' {
			c = ' '
		}
		s.emit(c)
		i++
	}
}

// =============================================================================
// Lexical classes
// =============================================================================

// numeric matches a digit run preceded by a relational operator, whitespace,
// a comma or an opening parenthesis.
func (s *scanner) numeric(i int) int {
	if i == 0 || !isDigit(s.src[i]) {
		return 0
	}
	switch p := s.src[i-1]; {
	case p == '=' || p == '>' || p == '<' || p == ',' || p == '(' || isSpace(p):
		return digitRun(s.src, i)
	}
	return 0
}

// identifierID matches the numeric part of compound identifiers such as
// edges_12_meta or shard_n3_data. Only the digits are consumed.
func (s *scanner) identifierID(i int) int {
	if i == 0 || !isDigit(s.src[i]) {
		return 0
	}
	p := s.src[i-1]
	if p != '_' && !(p == 'n' && i >= 2 && s.src[i-2] == '_') {
		return 0
	}
	n := digitRun(s.src, i)
	if i+n < len(s.src) && s.src[i+n] == '_' {
		return n
	}
	return 0
}

// listHead matches "IN (" or "VALUES (" and returns the length of the
// keyword, whitespace and parenthesis.
func (s *scanner) listHead(i int) int {
	if !s.wordStart(i) {
		return 0
	}
	for _, kw := range listKeywords {
		if n := keywordThen(s.src, i, kw, '('); n > 0 {
			return n
		}
	}
	return 0
}

var listKeywords = []string{"in", "values"}

// skipListBody returns the index of the parenthesis closing a list whose
// body starts at i, or len(src) when the list is unterminated. Nested
// parentheses and quoted strings inside the body are skipped over.
func (s *scanner) skipListBody(i int) int {
	depth := 0
	for i < len(s.src) {
		switch c := s.src[i]; c {
		case '\'', '"', '`':
			i = s.skipQuotedFrom(i+1, c)
			continue
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return i
			}
			depth--
		}
		i++
	}
	return i
}

// likeHead matches LIKE followed by an opening single quote and returns the
// length of the keyword and whitespace, leaving the quote in place.
func (s *scanner) likeHead(i int) int {
	if !s.wordStart(i) {
		return 0
	}
	n := keywordThen(s.src, i, "like", '\'')
	if n == 0 {
		return 0
	}
	return n - 1
}

// skipQuoted consumes a single-quoted literal starting at i (on the quote)
// and returns the index just past its closing quote.
func (s *scanner) skipQuoted(i int) int {
	return s.skipQuotedFrom(i+1, '\'')
}

func (s *scanner) skipQuotedFrom(i int, quote byte) int {
	for i < len(s.src) {
		c := s.src[i]
		switch {
		case c == '\\' && quote != '`':
			i += 2
			continue
		case c == quote:
			if i+1 < len(s.src) && s.src[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s.src)
}

// negativeNumeric matches a minus sign preceded by whitespace and followed
// by a digit run.
func (s *scanner) negativeNumeric(i int) int {
	if s.src[i] != '-' || i == 0 || !isSpace(s.src[i-1]) {
		return 0
	}
	if i+1 >= len(s.src) || !isDigit(s.src[i+1]) {
		return 0
	}
	return 1 + digitRun(s.src, i+1)
}

// comment drops a block comment whose body starts at i and returns the index
// past its terminator. A "client_id": "X" pair inside sets the client tag;
// the last one wins.
func (s *scanner) comment(i int) int {
	end := len(s.src)
	next := end
	for j := i; j+1 < len(s.src); j++ {
		if s.src[j] == '*' && s.src[j+1] == '/' {
			end = j
			next = j + 2
			break
		}
	}

	body := s.src[i:end]
	for j := 0; j < len(body); j++ {
		if !hasFoldPrefix(body[j:], "client_id") {
			continue
		}
		if tag, n := clientIDValue(body, j+len("client_id")); n > 0 {
			s.tag = tag
			j = n - 1
		}
	}
	return next
}

// clientIDValue parses `" : "value"` after the client_id key inside a comment
// body. It returns the value, capped at MaxClientIDLength, and the index past
// the closing quote.
func clientIDValue(body []byte, j int) ([]byte, int) {
	j = skipSpace(body, j)
	if j >= len(body) || body[j] != '"' {
		return nil, 0
	}
	j = skipSpace(body, j+1)
	if j >= len(body) || body[j] != ':' {
		return nil, 0
	}
	j = skipSpace(body, j+1)
	if j >= len(body) || body[j] != '"' {
		return nil, 0
	}
	start := j + 1
	stop := start
	for stop < len(body) && body[stop] != '"' {
		stop++
	}
	value := body[start:stop]
	if len(value) > MaxClientIDLength {
		value = value[:MaxClientIDLength]
	}
	if stop < len(body) {
		stop++
	}
	return value, stop
}

// =============================================================================
// Byte helpers
// =============================================================================

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isWordChar(c byte) bool {
	return c == '_' || isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'z')
}

func (s *scanner) wordStart(i int) bool {
	return i == 0 || !isWordChar(s.src[i-1])
}

func digitRun(src []byte, i int) int {
	n := 0
	for i+n < len(src) && isDigit(src[i+n]) {
		n++
	}
	return n
}

func skipSpace(src []byte, i int) int {
	for i < len(src) && isSpace(src[i]) {
		i++
	}
	return i
}

// hasFoldPrefix reports whether src starts with the lower-case ASCII word kw,
// ignoring case.
func hasFoldPrefix(src []byte, kw string) bool {
	if len(src) < len(kw) {
		return false
	}
	for k := 0; k < len(kw); k++ {
		c := src[k]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != kw[k] {
			return false
		}
	}
	return true
}

// keywordThen matches kw at i, optional whitespace, then the byte open.
// It returns the length of the whole match including open, or 0.
func keywordThen(src []byte, i int, kw string, open byte) int {
	if !hasFoldPrefix(src[i:], kw) {
		return 0
	}
	j := skipSpace(src, i+len(kw))
	if j < len(src) && src[j] == open {
		return j + 1 - i
	}
	return 0
}
