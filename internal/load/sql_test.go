package load

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopySQL(t *testing.T) {
	got := copySQL("public.accounts", []string{"id", "balance"})
	assert.Equal(t,
		`COPY public.accounts (id,balance) FROM STDIN WITH DELIMITER '|' NULL '' CSV QUOTE '"' ESCAPE E'\\';`,
		got,
	)
}

func TestDeleteExistsSQL(t *testing.T) {
	got := deleteExistsSQL("public.accounts", "_tmp_public_accounts", []string{"tenant_id", "id"})
	assert.Equal(t,
		`DELETE FROM public.accounts WHERE EXISTS `+
			`(SELECT 1 FROM _tmp_public_accounts WHERE public.accounts.tenant_id = _tmp_public_accounts.tenant_id `+
			`AND public.accounts.id = _tmp_public_accounts.id);`,
		got,
	)
}

func TestLinesFromSet(t *testing.T) {
	keys := map[string]struct{}{"1": {}, "2": {}, "3": {}}
	var buf strings.Builder
	err := linesFromSet(nil, keys)(&buf)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.ElementsMatch(t, []string{"1", "2", "3"}, lines)
}

func TestLinesFromSetStopsOnStopping(t *testing.T) {
	keys := map[string]struct{}{"1": {}, "2": {}, "3": {}}
	stopping := make(chan struct{})
	close(stopping)

	var buf strings.Builder
	err := linesFromSet(stopping, keys)(&buf)
	assert.NoError(t, err)
	assert.Empty(t, buf.String(), "an already-stopping channel must short-circuit before writing anything")
}

func TestLinesFromValues(t *testing.T) {
	insert := map[string]string{"1": "1|a", "2": "2|b"}
	var buf strings.Builder
	err := linesFromValues(nil, insert)(&buf)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.ElementsMatch(t, []string{"1|a", "2|b"}, lines)
}
