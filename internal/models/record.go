package models

// Provenance tags where a field value came from.
type Provenance string

const (
	ProvenanceExtracted Provenance = "extracted"
	ProvenanceDefault   Provenance = "default"
	ProvenanceError     Provenance = "error"
)

// FieldValue is one resolved field of a Record.
type FieldValue struct {
	Value      any        `json:"value"`
	Provenance Provenance `json:"provenance"`
	// Alternative is the index of the chain entry that produced Value, -1
	// when the value is a default.
	Alternative int    `json:"alternative"`
	Error       string `json:"error,omitempty"`
}

// Record maps field names to values for one item node. It is built by the
// extractor and consumed once by the normalizer.
type Record struct {
	identityField string
	order         []string
	fields        map[string]FieldValue
}

func NewRecord(identityField string) *Record {
	return &Record{
		identityField: identityField,
		fields:        make(map[string]FieldValue),
	}
}

func (r *Record) Set(name string, v FieldValue) {
	if _, exists := r.fields[name]; !exists {
		r.order = append(r.order, name)
	}
	r.fields[name] = v
}

func (r *Record) Get(name string) (FieldValue, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Fields returns field names in the order they were first set.
func (r *Record) Fields() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Record) IdentityField() string {
	return r.identityField
}

// IdentityKey returns the identity field as a string, or "" when the field
// resolved to nothing usable.
func (r *Record) IdentityKey() string {
	v, ok := r.fields[r.identityField]
	if !ok || v.Provenance == ProvenanceError {
		return ""
	}
	s, _ := v.Value.(string)
	return s
}

// Extracted counts fields with provenance extracted.
func (r *Record) Extracted() int {
	n := 0
	for _, v := range r.fields {
		if v.Provenance == ProvenanceExtracted {
			n++
		}
	}
	return n
}

// Provenances summarizes the record for logging.
func (r *Record) Provenances() map[string]Provenance {
	out := make(map[string]Provenance, len(r.fields))
	for name, v := range r.fields {
		out[name] = v.Provenance
	}
	return out
}
