package dbguard

import "strings"

type txControl uint8

const (
	txNone txControl = iota
	txBegin
	txCommit
	// txRollback is a top-level ROLLBACK/ABORT, which discards transactional
	// session state.
	txRollback
	txSavepoint
	// txOther covers savepoint release and rollback, and two-phase commit
	// statements.
	txOther
)

// Postgres transaction status bytes, as reported by pgconn.
const (
	txStatusIdle   byte = 'I'
	txStatusInTx   byte = 'T'
	txStatusFailed byte = 'E'
)

func classifyStatement(sql string) txControl {
	words := leadingWords(sql, 4)
	if len(words) == 0 {
		return txNone
	}

	switch words[0] {
	case "begin":
		return txBegin
	case "start":
		if len(words) > 1 && words[1] == "transaction" {
			return txBegin
		}
	case "commit", "end":
		if len(words) > 1 && words[1] == "prepared" {
			return txOther
		}
		return txCommit
	case "rollback", "abort":
		rest := words[1:]
		for len(rest) > 0 && (rest[0] == "work" || rest[0] == "transaction") {
			rest = rest[1:]
		}
		if len(rest) > 0 && (rest[0] == "to" || rest[0] == "prepared") {
			return txOther
		}
		return txRollback
	case "savepoint":
		return txSavepoint
	case "release":
		return txOther
	case "prepare":
		if len(words) > 1 && words[1] == "transaction" {
			return txOther
		}
	}
	return txNone
}

// leadingWords returns up to n lower-cased words of sql, skipping leading
// whitespace, semicolons and comments.
func leadingWords(sql string, n int) []string {
	s := skipNoise(sql)
	words := make([]string, 0, n)
	for len(words) < n && s != "" {
		end := strings.IndexFunc(s, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' || r == '('
		})
		if end < 0 {
			end = len(s)
		}
		if end == 0 {
			break
		}
		words = append(words, strings.ToLower(s[:end]))
		s = skipNoise(s[end:])
	}
	return words
}

func skipNoise(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n;")
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return ""
			}
			s = s[i+2:]
		default:
			return s
		}
	}
}
