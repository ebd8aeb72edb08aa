package classifier

import "fmt"

// Category is the closed set of classifications an element can receive. The
// unexported marker method keeps the set closed to this package, so a type
// switch over the four variants below is exhaustive.
type Category interface {
	category()
	fmt.Stringer
}

// SafeActionable elements may be clicked during exploration when they are
// clickable. Static content also lands here.
type SafeActionable struct{}

// Dangerous elements are never dispatched on.
type Dangerous struct {
	// Rule names the first matching danger rule.
	Rule string
	// Match is the text that triggered the rule.
	Match string
}

// TextInput elements accept free text and are never clicked.
type TextInput struct {
	Masked bool
}

// LoginGate marks a credential input that blocks exploration until a user
// signs in.
type LoginGate struct {
	// Signals is how many login-like elements surround the input.
	Signals int
}

func (SafeActionable) category() {}
func (Dangerous) category()      {}
func (TextInput) category()      {}
func (LoginGate) category()      {}

func (SafeActionable) String() string { return "SafeActionable" }
func (d Dangerous) String() string    { return fmt.Sprintf("Dangerous(%s)", d.Rule) }
func (TextInput) String() string      { return "TextInput" }
func (LoginGate) String() string      { return "LoginGate" }
