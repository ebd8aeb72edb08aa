// Package fingerprint computes the canonical content hash of a screen and keeps
// track of which screens an exploration has already seen.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/minio/highwayhash"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
)

// hashKey is fixed so fingerprints are comparable across processes and runs.
// highwayhash requires exactly 32 bytes.
var hashKey = []byte("cartographer/screen-fingerprint/")

var hasherPool = sync.Pool{
	New: func() interface{} {
		h, err := highwayhash.New128(hashKey)
		if err != nil {
			panic(fmt.Sprintf("fingerprint: invalid highwayhash key: %v", err))
		}
		return h
	},
}

// maxTextLength caps how much of an element's text contributes to a hash.
const maxTextLength = 256

type volatility struct {
	name        string
	re          *regexp.Regexp
	replacement string
	ticking     bool
}

// Fingerprinter hashes screen snapshots. It is safe for concurrent use.
type Fingerprinter struct {
	volatile []volatility
}

// New compiles the volatility patterns from cfg. Patterns are applied in order,
// so more specific ones (clocks) must come before general ones (counters).
func New(cfg config.FingerprintConfig) (*Fingerprinter, error) {
	f := &Fingerprinter{}
	for _, p := range cfg.Volatility {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling volatility pattern %q: %w", p.Name, err)
		}
		f.volatile = append(f.volatile, volatility{name: p.Name, re: re, replacement: p.Replacement, ticking: p.Ticking})
	}
	return f, nil
}

// NewDefault returns a Fingerprinter using config.DefaultVolatility.
func NewDefault() *Fingerprinter {
	f, err := New(config.FingerprintConfig{Volatility: config.DefaultVolatility()})
	if err != nil {
		panic(err)
	}
	return f
}

// NormalizeText collapses whitespace and replaces volatile substrings, so two
// reads of the same live screen produce the same string.
func (f *Fingerprinter) NormalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for _, v := range f.volatile {
		s = v.re.ReplaceAllString(s, v.replacement)
	}
	return truncate(s, maxTextLength)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Compute returns the fingerprint of a whole screen. A snapshot without any
// elements yields schemas.EmptyFingerprint.
func (f *Fingerprinter) Compute(snap *schemas.ScreenSnapshot) schemas.Fingerprint {
	if snap == nil {
		return schemas.EmptyFingerprint
	}
	return f.ComputeSubtree(snap.Root)
}

// ComputeSubtree fingerprints the tree rooted at root. Depths are relative to
// root, so a container hashes the same wherever it sits on screen.
func (f *Fingerprinter) ComputeSubtree(root *schemas.ElementSnapshot) schemas.Fingerprint {
	return f.hashTree("", root, f.NormalizeText)
}

// Instance hashes snap the way Compute does but masks only ticking patterns,
// and includes the window name. Two pushes of the same screen with different
// counters share a fingerprint but not an instance hash, while a clock
// advancing on one screen changes neither.
func (f *Fingerprinter) Instance(snap *schemas.ScreenSnapshot) schemas.Fingerprint {
	if snap == nil {
		return schemas.EmptyFingerprint
	}
	return f.hashTree(snap.Window, snap.Root, f.instanceText)
}

func (f *Fingerprinter) instanceText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for _, v := range f.volatile {
		if v.ticking {
			s = v.re.ReplaceAllString(s, v.replacement)
		}
	}
	return truncate(s, maxTextLength)
}

func (f *Fingerprinter) hashTree(window string, root *schemas.ElementSnapshot, normalize func(string) string) schemas.Fingerprint {
	if root == nil {
		return schemas.EmptyFingerprint
	}

	h := hasherPool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	var line []byte
	if window != "" {
		line = strconv.AppendQuote(append(line, "window|"...), window)
		_, _ = h.Write(append(line, '\n'))
	}
	f.walkDepth(root, 0, func(el *schemas.ElementSnapshot, depth int) {
		line = appendCanonical(line[:0], el, depth, normalize)
		_, _ = h.Write(line)
	})
	return schemas.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func (f *Fingerprinter) walkDepth(el *schemas.ElementSnapshot, depth int, fn func(*schemas.ElementSnapshot, int)) {
	fn(el, depth)
	for _, child := range el.Children {
		if child != nil {
			f.walkDepth(child, depth+1, fn)
		}
	}
}

// appendCanonical serializes the structural and textual signals of one
// element. Bounds and Ref are deliberately absent.
func appendCanonical(b []byte, el *schemas.ElementSnapshot, depth int, normalize func(string) string) []byte {
	b = strconv.AppendInt(b, int64(depth), 10)
	b = append(b, '|')
	b = strconv.AppendQuote(b, el.Type)
	b = append(b, '|')
	b = strconv.AppendQuote(b, el.ResourceTag)
	b = append(b, '|')
	b = strconv.AppendQuote(b, normalize(el.Text))
	b = append(b, '|')
	b = strconv.AppendQuote(b, normalize(el.Label))
	b = append(b, '|')
	b = appendFlags(b, el)
	return append(b, '\n')
}

func appendFlags(b []byte, el *schemas.ElementSnapshot) []byte {
	for _, flag := range []struct {
		set bool
		c   byte
	}{
		{el.Clickable, 'c'},
		{el.Focusable, 'f'},
		{el.Scrollable, 's'},
		{el.Editable, 'e'},
		{el.Masked, 'm'},
	} {
		if flag.set {
			b = append(b, flag.c)
		} else {
			b = append(b, '-')
		}
	}
	return b
}

// AnnotatePaths fills in AncestorPath for every element that does not carry
// one yet. A path is the chain of ancestor types and resource tags joined by
// '>' with no sibling indexes, so reordering siblings leaves it unchanged.
func AnnotatePaths(root *schemas.ElementSnapshot) {
	if root == nil {
		return
	}
	root.Walk(func(el, parent *schemas.ElementSnapshot) bool {
		if el.AncestorPath != "" || parent == nil {
			return true
		}
		if parent.AncestorPath == "" {
			el.AncestorPath = Segment(parent)
		} else {
			el.AncestorPath = parent.AncestorPath + ">" + Segment(parent)
		}
		return true
	})
}

// Segment is the path component contributed by one element. Only the tail of
// the resource tag is used so package renames do not move every path.
func Segment(el *schemas.ElementSnapshot) string {
	if tag := el.ShortTag(); tag != "" {
		return el.Type + "#" + tag
	}
	return el.Type
}
