package study

import (
	"errors"
	"fmt"
)

// Entity is a node of a study's hierarchical schema.
type Entity struct {
	ID                    string
	DisplayName           string
	IDColumnName          string
	AncestorPkColumnNames []string
	IsManyToOneWithParent bool
	Variables             []Variable
	Collections           []Collection
	Children              []*Entity

	variables map[string]Variable
}

// Collection groups variables of an entity for display purposes.
type Collection struct {
	ID                string
	DisplayName       string
	MemberVariableIDs []string
}

func (e *Entity) indexVariables() error {
	e.variables = make(map[string]Variable, len(e.Variables))
	for _, v := range e.Variables {
		if v == nil {
			return fmt.Errorf("entity %s has a nil variable", e.ID)
		}

		b := v.Base()
		if b.ID == "" {
			return fmt.Errorf("entity %s has a variable with an empty id", e.ID)
		}
		if b.EntityID != "" && b.EntityID != e.ID {
			return fmt.Errorf("variable %s is declared on entity %s but belongs to %s", b.ID, e.ID, b.EntityID)
		}
		setEntityID(v, e.ID)
		if _, ok := e.variables[b.ID]; ok {
			return fmt.Errorf("duplicate variable id %s on entity %s", b.ID, e.ID)
		}
		e.variables[b.ID] = v
	}

	for _, c := range e.Collections {
		for _, id := range c.MemberVariableIDs {
			if _, ok := e.variables[id]; !ok {
				return fmt.Errorf("collection %s references unknown variable %s on entity %s", c.ID, id, e.ID)
			}
		}
	}

	return nil
}

// Variable returns the variable with the given id declared on this entity.
func (e *Entity) Variable(id string) (Variable, bool) {
	v, ok := e.variables[id]
	return v, ok
}

var (
	ErrVariableNotFound = errors.New("variable not found")
	ErrNoValues         = errors.New("variable has no values")
)

// ValueVariable returns the variable with the given id if it is declared on this entity and
// carries values.
func (e *Entity) ValueVariable(id string) (ValueVariable, error) {
	v, ok := e.variables[id]
	if !ok {
		return nil, fmt.Errorf("%w: Variable '%s' is not found for entity with ID: '%s'", ErrVariableNotFound, id, e.ID)
	}
	vv, ok := v.(ValueVariable)
	if !ok {
		return nil, fmt.Errorf("%w: Variable '%s' is not found for entity with ID: '%s'", ErrNoValues, id, e.ID)
	}
	return vv, nil
}

// MultiFilterMembers returns the variables grouped under the multifilter variable id, in
// declaration order.
func (e *Entity) MultiFilterMembers(id string) []Variable {
	var members []Variable
	for _, v := range e.Variables {
		if v.Base().ParentID == id {
			members = append(members, v)
		}
	}
	return members
}

// TotalColumns is the number of columns of a tabular report over this entity with n output
// variables: the entity's own id, one per ancestor id, plus the variables.
func (e *Entity) TotalColumns(n int) int {
	return 1 + len(e.AncestorPkColumnNames) + n
}

func setEntityID(v Variable, id string) {
	switch t := v.(type) {
	case *DateVariable:
		t.EntityID = id
	case *IntegerVariable:
		t.EntityID = id
	case *NumberVariable:
		t.EntityID = id
	case *LongitudeVariable:
		t.EntityID = id
	case *StringVariable:
		t.EntityID = id
	case *CategoryVariable:
		t.EntityID = id
	}
}
