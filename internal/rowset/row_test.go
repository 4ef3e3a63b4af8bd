package rowset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeFieldNull(t *testing.T) {
	assert.Equal(t, "", EncodeField("anything", true))
}

func TestEncodeFieldPlain(t *testing.T) {
	assert.Equal(t, "hello", EncodeField("hello", false))
}

func TestEncodeFieldEmptyStringIsQuoted(t *testing.T) {
	a := assert.New(t)

	empty := EncodeField("", false)
	a.NotEqual("", empty, "empty string must not be indistinguishable from NULL")
	a.Equal(`""`, empty)
}

func TestEncodeFieldQuotesSpecialCharacters(t *testing.T) {
	a := assert.New(t)

	a.Equal(`"a|b"`, EncodeField("a|b", false))
	a.Equal(`"a\"b"`, EncodeField(`a"b`, false))
	a.Equal(`"a\\b"`, EncodeField(`a\b`, false))
	a.Equal("\"a\nb\"", EncodeField("a\nb", false))
}

func TestEncodeRowJoinsWithDelimiter(t *testing.T) {
	fields := []string{"1", "two", `"three"`}
	assert.Equal(t, `1|two|"three"`, EncodeRow(fields))
}

func TestRowTypeString(t *testing.T) {
	a := assert.New(t)
	a.Equal("INSERT", Insert.String())
	a.Equal("UPDATE", Update.String())
	a.Equal("DELETE", Delete.String())
	a.Equal("UNKNOWN", RowType(99).String())
}

func TestKeyChanged(t *testing.T) {
	a := assert.New(t)

	r := Row{Type: Update, Keys: "1", OldKeys: "1"}
	a.False(r.KeyChanged(), "identical keys should not count as changed")

	r = Row{Type: Update, Keys: "2", OldKeys: "1"}
	a.True(r.KeyChanged())

	r = Row{Type: Update, Keys: "2", OldKeys: ""}
	a.False(r.KeyChanged(), "no pre-image key means this wasn't a key change")

	r = Row{Type: Insert, Keys: "2", OldKeys: "1"}
	a.False(r.KeyChanged(), "only Updates can be key changes")
}
