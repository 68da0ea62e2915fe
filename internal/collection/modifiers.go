package collection

import (
	"memory-docs/internal/document"
	"memory-docs/internal/globalconst"
)

// Replace returns a Modifier that swaps the whole document for doc, keeping its _id.
func Replace(doc document.Document) Modifier {
	return func(old document.Document) (document.Document, error) {
		out := document.CopyDocument(doc)
		if out == nil {
			out = document.Document{}
		}
		if _, ok := out[globalconst.ID]; !ok {
			if id, present := old[globalconst.ID]; present {
				out[globalconst.ID] = id
			}
		}
		return out, nil
	}
}

// Merge returns a Modifier that sets the given top-level fields.
func Merge(fields document.Document) Modifier {
	return func(old document.Document) (document.Document, error) {
		for k, v := range fields {
			old[k] = document.DeepCopy(v)
		}
		return old, nil
	}
}
