package model

import (
	"fmt"
	"sort"
)

// Datatype describes the element type of a dataset.
type Datatype struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

var builtinTypes = map[string]Datatype{
	"byte":    {Name: "byte", Size: 1},
	"int8":    {Name: "int8", Size: 1},
	"uint8":   {Name: "uint8", Size: 1},
	"int16":   {Name: "int16", Size: 2},
	"uint16":  {Name: "uint16", Size: 2},
	"int32":   {Name: "int32", Size: 4},
	"uint32":  {Name: "uint32", Size: 4},
	"float32": {Name: "float32", Size: 4},
	"int64":   {Name: "int64", Size: 8},
	"uint64":  {Name: "uint64", Size: 8},
	"float64": {Name: "float64", Size: 8},
}

// LookupDatatype resolves a named element type.
func LookupDatatype(name string) (Datatype, error) {
	dt, ok := builtinTypes[name]
	if !ok {
		return Datatype{}, fmt.Errorf("%w: unknown datatype %q", ErrConfig, name)
	}
	return dt, nil
}

// Datatypes returns the names of all built-in element types, sorted.
func Datatypes() []string {
	names := make([]string, 0, len(builtinTypes))
	for name := range builtinTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
