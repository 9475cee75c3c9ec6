package fingerprint

// StatementKind identifies the command class of a statement.
type StatementKind int

const (
	KindOther StatementKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindInsertSelect
	KindReplace
)

var kindNames = map[StatementKind]string{
	KindOther:        "OTHER",
	KindSelect:       "SELECT",
	KindInsert:       "INSERT",
	KindUpdate:       "UPDATE",
	KindDelete:       "DELETE",
	KindInsertSelect: "INSERT_SELECT",
	KindReplace:      "REPLACE",
}

func (k StatementKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Classify derives the statement kind from the leading keyword of query.
// Leading whitespace, comments and opening parentheses are skipped. An
// INSERT whose body contains a SELECT is KindInsertSelect.
func Classify(query string) StatementKind {
	src := []byte(query)
	i := skipNoise(src, 0)

	switch {
	case keywordAt(src, i, "select"), keywordAt(src, i, "with"):
		return KindSelect
	case keywordAt(src, i, "insert"):
		if containsKeyword(src[i+len("insert"):], "select") {
			return KindInsertSelect
		}
		return KindInsert
	case keywordAt(src, i, "update"):
		return KindUpdate
	case keywordAt(src, i, "delete"):
		return KindDelete
	case keywordAt(src, i, "replace"):
		return KindReplace
	}
	return KindOther
}

func skipNoise(src []byte, i int) int {
	for i < len(src) {
		switch {
		case isSpace(src[i]) || src[i] == '(':
			i++
		case src[i] == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i += 2
		default:
			return i
		}
	}
	return i
}

func keywordAt(src []byte, i int, kw string) bool {
	if i >= len(src) || !hasFoldPrefix(src[i:], kw) {
		return false
	}
	end := i + len(kw)
	return end == len(src) || !isWordChar(src[end])
}

func containsKeyword(src []byte, kw string) bool {
	for i := range src {
		if (i == 0 || !isWordChar(src[i-1])) && keywordAt(src, i, kw) {
			return true
		}
	}
	return false
}
