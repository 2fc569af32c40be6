package datamodel

// Transaction stages attribute writes across one interaction. It
// begins at the first mutation and commits on successful interaction
// completion; each touched cluster's DataVersion is bumped exactly
// once.
type Transaction struct {
	staged map[*ClusterState]map[AttributeID]Value
	done   bool
}

// NewTransaction creates an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{staged: make(map[*ClusterState]map[AttributeID]Value)}
}

// Write validates and stages one attribute value from an external
// writer. Validation runs on the staged value; fixed and read-only
// attributes are rejected.
func (tx *Transaction) Write(cs *ClusterState, attr AttributeID, v Value) error {
	schema := cs.Schema().Attribute(attr)
	if schema != nil && (schema.Quality.Fixed || schema.Access.Write == 0) {
		return ErrReadOnly
	}
	return tx.WriteInternal(cs, attr, v)
}

// WriteInternal stages a server-side mutation: validation applies but
// writability does not, so behaviors can update their own read-only
// attributes.
func (tx *Transaction) WriteInternal(cs *ClusterState, attr AttributeID, v Value) error {
	if tx.done {
		return ErrInvalidInState
	}
	schema := cs.Schema().Attribute(attr)
	if schema == nil || !cs.Supports(attr) {
		return ErrUnsupportedAttribute
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	m := tx.staged[cs]
	if m == nil {
		m = make(map[AttributeID]Value)
		tx.staged[cs] = m
	}
	m[attr] = v
	return nil
}

// Read returns the staged value if present, else the committed value,
// so writers within one transaction see their own writes.
func (tx *Transaction) Read(cs *ClusterState, attr AttributeID) (Value, error) {
	if m, ok := tx.staged[cs]; ok {
		if v, staged := m[attr]; staged {
			return v, nil
		}
	}
	return cs.Get(attr)
}

// Dirty reports whether the transaction staged any writes.
func (tx *Transaction) Dirty() bool { return len(tx.staged) > 0 }

// Commit applies every staged cluster atomically: all values install
// together, the version bumps once, and listeners observe one
// notification per cluster.
func (tx *Transaction) Commit() map[*ClusterState]DataVersion {
	if tx.done {
		return nil
	}
	tx.done = true
	versions := make(map[*ClusterState]DataVersion, len(tx.staged))
	for cs, staged := range tx.staged {
		if len(staged) == 0 {
			continue
		}
		versions[cs] = cs.apply(staged)
	}
	tx.staged = nil
	return versions
}

// Rollback discards the staging copy.
func (tx *Transaction) Rollback() {
	tx.done = true
	tx.staged = nil
}
