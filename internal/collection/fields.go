package collection

import (
	"fmt"

	"memory-docs/internal/document"
)

// Field is a virtual field descriptor. Cast normalises a stored value on write, Set
// expands a written virtual value into stored fields, Get computes the value handed
// out on read. A field with a Get is never stored.
type Field struct {
	Name string
	Get  func(doc document.Document) any
	Set  func(doc document.Document, value any) error
	Cast func(value any) (any, error)
}

// applyWrite runs casters and setters on a document about to be stored.
func applyWrite(fields []Field, doc document.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("virtual field panicked: %v", r)
		}
	}()
	for _, f := range fields {
		v, present := doc[f.Name]
		if !present {
			continue
		}
		if f.Set != nil {
			if err := f.Set(doc, v); err != nil {
				return fmt.Errorf("field '%s': %w", f.Name, err)
			}
		}
		if f.Get != nil {
			delete(doc, f.Name)
			continue
		}
		if f.Cast != nil {
			cast, err := f.Cast(doc[f.Name])
			if err != nil {
				return fmt.Errorf("field '%s': %w", f.Name, err)
			}
			doc[f.Name] = document.Normalize(cast)
		}
	}
	return nil
}

// applyRead adds computed fields to a document handed to the caller.
func applyRead(fields []Field, doc document.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("virtual field panicked: %v", r)
		}
	}()
	for _, f := range fields {
		if f.Get != nil {
			doc[f.Name] = f.Get(doc)
		}
	}
	return nil
}
