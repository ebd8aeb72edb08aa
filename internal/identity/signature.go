package identity

import (
	"strings"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// Signature is the structural description an identity is derived from. Two
// elements with equal signatures in the same app share an identity.
type Signature struct {
	AncestorPath string
	Type         string
	Text         string
	Label        string
	ResourceTag  string
}

// Normalizer strips volatile content from visible text. Passing the screen
// fingerprinter's NormalizeText keeps identities as stable as fingerprints.
type Normalizer func(string) string

// SignatureOf builds the signature of el. A nil normalize only collapses
// whitespace.
func SignatureOf(el *schemas.ElementSnapshot, normalize Normalizer) Signature {
	if normalize == nil {
		normalize = func(s string) string { return strings.Join(strings.Fields(s), " ") }
	}
	return Signature{
		AncestorPath: el.AncestorPath,
		Type:         el.Type,
		Text:         normalize(el.Text),
		Label:        normalize(el.Label),
		ResourceTag:  el.ShortTag(),
	}
}

// Key is a collision free string form of the signature, usable as a map key.
func (s Signature) Key() string {
	return strings.Join([]string{s.AncestorPath, s.Type, s.ResourceTag, s.Text, s.Label}, "\x1f")
}

// Path is the signature's own position, its ancestor path plus itself.
func (s Signature) Path() string {
	self := s.Type
	if s.ResourceTag != "" {
		self += "#" + s.ResourceTag
	}
	if s.AncestorPath == "" {
		return self
	}
	return s.AncestorPath + ">" + self
}
