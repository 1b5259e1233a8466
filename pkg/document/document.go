// Package document holds the primitives shared by every stage of a run:
// the document being processed, the detected feature flags and token usage.
package document

import "sort"

// Image is a single image attached to a document.
type Image struct {
	MimeType string `json:"mimeType"`
	// Data is the base64 encoded image content.
	Data string `json:"data"`
}

// Document is the content handed to the feature detector and to every node.
type Document struct {
	ID       string  `json:"id,omitempty"`
	Text     string  `json:"text,omitempty"`
	Images   []Image `json:"images,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
	Language string  `json:"language,omitempty"`
}

// IsEmpty reports whether the document carries neither text nor images.
func (d Document) IsEmpty() bool {
	return d.Text == "" && len(d.Images) == 0
}

// Flags maps a feature-flag name to whether the feature was detected.
//
// A nil Flags means detection did not happen or failed. An empty, non-nil
// Flags means detection ran and found nothing.
type Flags map[string]bool

// IsTrue reports whether the named flag is present and true.
func (f Flags) IsTrue(name string) bool {
	return f[name]
}

// True returns the names of all true flags in sorted order.
func (f Flags) True() []string {
	names := make([]string, 0, len(f))
	for name, v := range f {
		if v {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AnyTrue reports whether at least one of names is a true flag.
func (f Flags) AnyTrue(names []string) bool {
	for _, name := range names {
		if f.IsTrue(name) {
			return true
		}
	}
	return false
}

// Clone returns a copy of f. Cloning nil yields nil.
func (f Flags) Clone() Flags {
	if f == nil {
		return nil
	}
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// TokenUsage counts tokens consumed by inference calls.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add returns the sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:     u.Prompt + other.Prompt,
		Completion: u.Completion + other.Completion,
		Total:      u.Total + other.Total,
	}
}
