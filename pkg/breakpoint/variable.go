package breakpoint

import "strconv"

// VariableResolver dereferences the breakpoint-scoped variable table.
// Composite values on the wire reference their children by index into
// the shared table; the resolver materializes them back into plain
// trees for display.
//
// The extended table is local to the consuming side only: it holds
// synthesized entries for values that needed a reference but had none.
// Indices at or above the main table's length land in the extended
// table after subtracting the main table's length.
type VariableResolver struct {
	table    []Variable
	extended []Variable
}

// NewVariableResolver wraps the main variable table of a resolved
// breakpoint record.
func NewVariableResolver(table []Variable) *VariableResolver {
	return &VariableResolver{table: table}
}

// AddExtended appends a synthesized entry and returns the index a
// referencing Variable should carry.
func (r *VariableResolver) AddExtended(v Variable) int {
	r.extended = append(r.extended, v)
	return len(r.table) + len(r.extended) - 1
}

// Resolve materializes a variable, following table references through
// an explicit visited set so malformed records with reference cycles
// terminate instead of recursing without bound.
func (r *VariableResolver) Resolve(v Variable) Variable {
	return r.resolve(v, make(map[int]bool))
}

func (r *VariableResolver) resolve(v Variable, visited map[int]bool) Variable {
	if v.VarTableIndex != nil {
		idx := *v.VarTableIndex
		ref, ok := r.lookup(idx)
		if !ok {
			return statusVariable(v.Name, "Invalid variable table reference $0", strconv.Itoa(idx))
		}
		if visited[idx] {
			return statusVariable(v.Name, "Reference cycle in variable table at index $0", strconv.Itoa(idx))
		}
		visited[idx] = true
		resolved := r.resolve(ref, visited)
		delete(visited, idx)
		// The referencing entry names the value; everything else comes
		// from the table entry.
		if v.Name != "" {
			resolved.Name = v.Name
		}
		if resolved.Status == nil {
			resolved.Status = v.Status
		}
		return resolved
	}

	out := v
	out.Members = nil
	for _, m := range v.Members {
		out.Members = append(out.Members, r.resolve(m, visited))
	}
	return out
}

func (r *VariableResolver) lookup(idx int) (Variable, bool) {
	if idx < 0 {
		return Variable{}, false
	}
	if idx < len(r.table) {
		return r.table[idx], true
	}
	idx -= len(r.table)
	if idx < len(r.extended) {
		return r.extended[idx], true
	}
	return Variable{}, false
}

func statusVariable(name, format string, params ...string) Variable {
	return Variable{
		Name: name,
		Status: &StatusMessage{
			IsError:     true,
			Description: FormatMessage{Format: format, Parameters: params},
		},
	}
}
