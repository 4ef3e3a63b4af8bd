package rowset

// RowSet is an ordered multiset of Rows destined to the same MappedTable,
// closed either because it hit its row-count threshold or because the
// upstream poll that produced it reached a batch boundary. A RowSet carries
// exactly one CommitCallback, shared by every Row appended to it.
type RowSet struct {
	MappedTable string
	Rows        []Row
	Callback    *CommitCallback
}

// NewRowSet creates an empty, open RowSet for the given table.
func NewRowSet(mappedTable string) *RowSet {
	return &RowSet{MappedTable: mappedTable}
}

// Append adds row to the set. The row's Callback field is overwritten with
// the RowSet's callback once the set is closed via Close.
func (rs *RowSet) Append(row Row) {
	rs.Rows = append(rs.Rows, row)
}

// Close attaches cb as this RowSet's CommitCallback and stamps it onto every
// row already appended, making the set eligible for merge.
func (rs *RowSet) Close(cb *CommitCallback) {
	rs.Callback = cb
	for i := range rs.Rows {
		rs.Rows[i].Callback = cb
	}
}

// Len reports how many rows are currently buffered.
func (rs *RowSet) Len() int { return len(rs.Rows) }
