package attachments

// txn stages mutations together with their exact inverses. rollback applies
// the inverses newest first. Callers hold the cache lock for both.
type txn struct {
	undo []func()
}

func (t *txn) do(apply, inverse func()) {
	apply()
	t.undo = append(t.undo, inverse)
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}
