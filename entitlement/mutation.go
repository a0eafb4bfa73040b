package entitlement

import (
	"errors"
	"fmt"
)

// Op is the kind of write a Mutation performs.
type Op string

const (
	// OpCreate inserts a record and fails if the id is taken.
	OpCreate Op = "create"
	// OpSet overwrites the record at ID, inserting it if absent.
	OpSet Op = "set"
	// OpUpdate applies a Patch to an existing record.
	OpUpdate Op = "update"
	// OpDelete removes the record at ID. Deleting a missing id is not an error.
	OpDelete Op = "delete"
)

// Mutation is one planned write against the entitlement collection.
type Mutation struct {
	Op     Op
	ID     string
	Record *Entitlement
	Patch  Patch
}

// CreateOf returns a create mutation for e.
func CreateOf(e *Entitlement) Mutation {
	return Mutation{Op: OpCreate, ID: e.ID, Record: e}
}

// SetOf returns a set mutation that writes e at recordID.
func SetOf(recordID string, e *Entitlement) Mutation {
	return Mutation{Op: OpSet, ID: recordID, Record: e}
}

// UpdateOf returns an update mutation for recordID.
func UpdateOf(recordID string, p Patch) Mutation {
	return Mutation{Op: OpUpdate, ID: recordID, Patch: p}
}

// DeleteOf returns a delete mutation for recordID.
func DeleteOf(recordID string) Mutation {
	return Mutation{Op: OpDelete, ID: recordID}
}

// Validate checks that the mutation is well formed.
func (m Mutation) Validate() error {
	if m.ID == "" {
		return errors.New("entitlement: mutation without id")
	}
	switch m.Op {
	case OpCreate, OpSet:
		if m.Record == nil {
			return fmt.Errorf("entitlement: %s mutation for %q without record", m.Op, m.ID)
		}
		if m.Record.ID != "" && m.Record.ID != m.ID {
			return fmt.Errorf("entitlement: %s mutation id %q does not match record id %q", m.Op, m.ID, m.Record.ID)
		}
	case OpUpdate:
		if m.Patch.IsEmpty() {
			return fmt.Errorf("entitlement: empty update for %q", m.ID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("entitlement: unknown op %q", m.Op)
	}
	return nil
}

// ValidateGroup validates every mutation in a write group.
func ValidateGroup(group []Mutation) error {
	for _, m := range group {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}
