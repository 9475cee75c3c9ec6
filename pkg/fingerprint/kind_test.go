package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		query string
		want  StatementKind
	}{
		{"SELECT 1", KindSelect},
		{"  select a from t", KindSelect},
		{"(SELECT a FROM t) UNION (SELECT b FROM u)", KindSelect},
		{"WITH x AS (SELECT 1) SELECT * FROM x", KindSelect},
		{"/* \"client_id\": \"a\" */ SELECT 1", KindSelect},
		{"INSERT INTO t VALUES (1)", KindInsert},
		{"insert into t select * from u", KindInsertSelect},
		{"UPDATE t SET a = 1", KindUpdate},
		{"DELETE FROM t", KindDelete},
		{"REPLACE INTO t VALUES (1)", KindReplace},
		{"SELECTED", KindOther},
		{"CREATE TABLE t (a INT)", KindOther},
		{"", KindOther},
		{"/* unterminated", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.query))
		})
	}
}

func TestTracked(t *testing.T) {
	for _, k := range []StatementKind{KindSelect, KindInsert, KindUpdate, KindDelete, KindInsertSelect} {
		assert.True(t, Tracked(k), k.String())
	}
	for _, k := range []StatementKind{KindOther, KindReplace} {
		assert.False(t, Tracked(k), k.String())
	}
}

func TestStatementKindString(t *testing.T) {
	assert.Equal(t, "INSERT_SELECT", KindInsertSelect.String())
	assert.Equal(t, "UNKNOWN", StatementKind(99).String())
}
