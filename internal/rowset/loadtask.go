package rowset

// Table is the target-side descriptor discovered once at startup: the
// ordered column list used for the full-row COPY and the ordered key-column
// list used for the key-only COPY that drives the delete-exists statement.
type Table struct {
	Name       string
	ColumnName []string
	KeyNames   []string
	// ColumnTypeOID carries the target's SQL type OID per entry of
	// ColumnName, in the same order, so the transformer's decimal/time/bit
	// decoders know which text encoding to produce.
	ColumnTypeOID []uint32
	// ColumnScale carries the declared numeric scale per entry of
	// ColumnName (meaningful only where ColumnTypeOID denotes a decimal
	// column) and ColumnPrecision carries the declared bit-string length
	// (meaningful only for bit/varbit columns).
	ColumnScale     []int
	ColumnPrecision []int

	byName map[string]int
}

// ColumnMeta looks up the OID, scale and precision recorded for name,
// building the lookup index on first use.
func (t *Table) ColumnMeta(name string) (oid uint32, scale, precision int, ok bool) {
	if t.byName == nil {
		t.byName = make(map[string]int, len(t.ColumnName))
		for i, n := range t.ColumnName {
			t.byName[n] = i
		}
	}
	i, ok := t.byName[name]
	if !ok {
		return 0, 0, 0, false
	}
	if i < len(t.ColumnTypeOID) {
		oid = t.ColumnTypeOID[i]
	}
	if i < len(t.ColumnScale) {
		scale = t.ColumnScale[i]
	}
	if i < len(t.ColumnPrecision) {
		precision = t.ColumnPrecision[i]
	}
	return oid, scale, precision, true
}

// LoadTask is the merged batch for one MappedTable: the output of the
// RowSet merger and the unit of work a ChangeLoader applies.
type LoadTask struct {
	MappedTable string

	// Delete holds the key-encodings that must be removed from the target
	// before (or in lieu of) inserting.
	Delete map[string]struct{}

	// Insert maps a key-encoding to the chronologically last non-delete
	// tuple-encoding observed for that key in the window.
	Insert map[string]string

	// Callbacks preserves arrival order; it is never empty for a task
	// produced by the merger.
	Callbacks []*CommitCallback
}

// NewLoadTask creates an empty LoadTask for the given table.
func NewLoadTask(mappedTable string) *LoadTask {
	return &LoadTask{
		MappedTable: mappedTable,
		Delete:      make(map[string]struct{}),
		Insert:      make(map[string]string),
	}
}

// Empty reports whether the task has neither deletes nor inserts. An empty
// task can still carry callbacks and must still be committed so that they
// fire.
func (t *LoadTask) Empty() bool {
	return len(t.Delete) == 0 && len(t.Insert) == 0
}

// FireCallbacks invokes every callback in arrival order. Called once the
// task's transaction has committed.
func (t *LoadTask) FireCallbacks() {
	for _, cb := range t.Callbacks {
		cb.Fire()
	}
}
