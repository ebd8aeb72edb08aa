package schemas

import (
	"strings"
	"time"
)

// -- Screen Snapshot Model --

// ActionKind enumerates the actions the engine may ask the platform to perform.
type ActionKind string

const (
	ActionClick          ActionKind = "CLICK"
	ActionBack           ActionKind = "BACK"
	ActionScrollForward  ActionKind = "SCROLL_FORWARD"
	ActionScrollBackward ActionKind = "SCROLL_BACKWARD"
)

// ScreenHandle identifies which window the platform should read. The zero value
// is the current foreground screen.
type ScreenHandle string

// ForegroundScreen reads whatever the platform currently shows.
const ForegroundScreen ScreenHandle = ""

// Bounds is the on-screen rectangle of an element. It is carried for consumers
// (overlays, debugging) but never contributes to a fingerprint or identity.
type Bounds struct {
	Left   int `json:"left" yaml:"left"`
	Top    int `json:"top" yaml:"top"`
	Right  int `json:"right" yaml:"right"`
	Bottom int `json:"bottom" yaml:"bottom"`
}

// ElementSnapshot is an ephemeral read of one element and its subtree. It is
// never persisted directly; identities and aliases are derived from it.
type ElementSnapshot struct {
	// Ref is the platform handle used to dispatch actions on this element.
	// It is opaque, may change between reads and is never hashed.
	Ref         string `json:"ref" yaml:"ref"`
	Type        string `json:"type" yaml:"type"`
	Text        string `json:"text,omitempty" yaml:"text"`
	Label       string `json:"label,omitempty" yaml:"label"`
	ResourceTag string `json:"resource_tag,omitempty" yaml:"resource_tag"`
	Bounds      Bounds `json:"bounds" yaml:"bounds"`

	Clickable  bool `json:"clickable" yaml:"clickable"`
	Focusable  bool `json:"focusable" yaml:"focusable"`
	Scrollable bool `json:"scrollable" yaml:"scrollable"`
	Editable   bool `json:"editable" yaml:"editable"`
	// Masked is set for password style inputs whose content is hidden.
	Masked bool `json:"masked" yaml:"masked"`

	// AncestorPath is the structural signature of the element's position in the
	// tree (types and resource tags of its ancestors, no sibling indexes).
	// Sources may leave it empty; the fingerprint package fills it in.
	AncestorPath string `json:"ancestor_path,omitempty" yaml:"ancestor_path"`

	Children []*ElementSnapshot `json:"children,omitempty" yaml:"children"`
}

// Walk visits the subtree in stable pre-order. Returning false from fn skips the
// children of that node.
func (e *ElementSnapshot) Walk(fn func(el, parent *ElementSnapshot) bool) {
	if e == nil {
		return
	}
	e.walk(nil, fn)
}

func (e *ElementSnapshot) walk(parent *ElementSnapshot, fn func(el, parent *ElementSnapshot) bool) {
	if !fn(e, parent) {
		return
	}
	for _, child := range e.Children {
		if child != nil {
			child.walk(e, fn)
		}
	}
}

// ShortTag returns the resource tag without its package or namespace prefix,
// e.g. "com.example:id/btn_send" yields "btn_send".
func (e *ElementSnapshot) ShortTag() string {
	tag := e.ResourceTag
	if i := strings.LastIndexAny(tag, "/:"); i >= 0 {
		tag = tag[i+1:]
	}
	return tag
}

// ScreenSnapshot is one read of the foreground app's element tree.
type ScreenSnapshot struct {
	AppID      string           `json:"app_id"`
	AppVersion string           `json:"app_version"`
	Window     string           `json:"window,omitempty"`
	Root       *ElementSnapshot `json:"root"`
	CapturedAt time.Time        `json:"captured_at"`
}

// Elements flattens the tree in pre-order.
func (s *ScreenSnapshot) Elements() []*ElementSnapshot {
	if s == nil || s.Root == nil {
		return nil
	}
	var out []*ElementSnapshot
	s.Root.Walk(func(el, _ *ElementSnapshot) bool {
		out = append(out, el)
		return true
	})
	return out
}
