package dbpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnTempTableTracking(t *testing.T) {
	a := assert.New(t)

	c := &Conn{tempTables: make(map[string]bool)}
	a.False(c.HasTempTable("public.accounts"))

	c.MarkTempTable("public.accounts")
	a.True(c.HasTempTable("public.accounts"))
	a.False(c.HasTempTable("public.widgets"))
}
