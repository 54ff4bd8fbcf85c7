package extract

import "fmt"

// Source selects what a Locator reads from the matched node.
type Source int

const (
	SourceText Source = iota
	// SourceContent reads raw textContent, including visually hidden text.
	SourceContent
	SourceAttribute
	// SourcePageURL ignores the node and reads the current document URL.
	SourcePageURL
)

// Locator is an immutable query descriptor. An empty Selector addresses the
// item node itself.
type Locator struct {
	Selector string
	Source   Source
	Attr     string
}

func Text(selector string) Locator {
	return Locator{Selector: selector, Source: SourceText}
}

func Content(selector string) Locator {
	return Locator{Selector: selector, Source: SourceContent}
}

func Attr(selector, name string) Locator {
	return Locator{Selector: selector, Source: SourceAttribute, Attr: name}
}

func PageURL() Locator {
	return Locator{Source: SourcePageURL}
}

func (l Locator) String() string {
	target := l.Selector
	if target == "" {
		target = "<self>"
	}
	switch l.Source {
	case SourceContent:
		return fmt.Sprintf("content(%s)", target)
	case SourceAttribute:
		return fmt.Sprintf("attr(%s@%s)", target, l.Attr)
	case SourcePageURL:
		return "page-url"
	default:
		return fmt.Sprintf("text(%s)", target)
	}
}
