package persist

import "sort"

// Sort directions for FindOptions, matching the REST API's ASC/DESC.
const (
	Ascending  = 1
	Descending = -1
)

// FindOptions shapes the result set of Collection.Find.
type FindOptions struct {
	// Fields restricts returned documents to the named fields. The id
	// field is always included.
	Fields []string

	// Skip drops that many documents from the start of the result.
	Skip int

	// Limit caps the number of returned documents; zero means no cap.
	Limit int

	// Sort names the field to order by; SortOrder is Ascending or
	// Descending. Documents missing the field sort first.
	Sort      string
	SortOrder int
}

// Collection is a persistent mapping from id to document.
//
// Retrieve and FindOne return a nil document, not an error, when
// nothing matches; callers decide whether absence is exceptional.
// Delete fails with util.ErrNonDeletable when the stored document
// carries deletable=false.
type Collection interface {
	Insert(doc Document) (string, error)
	Update(doc Document) error
	Delete(id string) error
	Retrieve(id string) (Document, error)
	Find(selector Selector, opts *FindOptions) ([]Document, error)
	FindOne(selector Selector) (Document, error)
	EnsureIndex(field string) error
}

// applyFindOptions sorts, slices and projects docs per opts. It is
// shared by all backends so pagination behaves identically everywhere.
func applyFindOptions(docs []Document, opts *FindOptions) []Document {
	if opts == nil {
		return docs
	}
	if opts.Sort != "" {
		sortDocuments(docs, opts.Sort, opts.SortOrder)
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	if len(opts.Fields) > 0 {
		projected := make([]Document, len(docs))
		for i, doc := range docs {
			projected[i] = projectFields(doc, opts.Fields)
		}
		docs = projected
	}
	return docs
}

func sortDocuments(docs []Document, field string, order int) {
	descending := order == Descending
	sort.SliceStable(docs, func(i, j int) bool {
		if descending {
			return lessValue(docs[j][field], docs[i][field])
		}
		return lessValue(docs[i][field], docs[j][field])
	})
}

// lessValue orders document values: absent first, then numbers by
// value, then strings lexicographically.
func lessValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b != nil
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	switch {
	case aok && bok:
		return af < bf
	case aok:
		return true
	case bok:
		return false
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs
}

func projectFields(doc Document, fields []string) Document {
	out := Document{IDKey: doc.ID()}
	for _, field := range fields {
		if value, ok := lookupPath(doc, field); ok {
			out[field] = copyValue(value)
		}
	}
	return out
}
