// Package classifier partitions screen elements into the categories the
// exploration engine acts on and detects screens that need a human.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"go.uber.org/zap"
)

type dangerRule struct {
	name string
	re   *regexp.Regexp
}

// Classifier maps elements to exactly one Category. It holds only compiled
// rules and is safe for concurrent use.
type Classifier struct {
	logger *zap.Logger

	danger     []dangerRule
	loginLabel []*regexp.Regexp
	permission []*regexp.Regexp

	minSignals     int
	requireMasked  bool
	ancestorLevels int
}

// Classified pairs an element with its category.
type Classified struct {
	Element  *schemas.ElementSnapshot
	Parent   *schemas.ElementSnapshot
	Category Category
}

// New compiles cfg. When cfg.RulesFile is set its sections override the
// matching inline settings.
func New(cfg config.ClassifierConfig, logger *zap.Logger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("classifier")

	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg = rules.Apply(cfg)
		log.Info("Loaded classifier rules file.", zap.String("path", cfg.RulesFile), zap.Int("danger_rules", len(cfg.Dangerous)))
	}

	c := &Classifier{
		logger:         log,
		minSignals:     cfg.LoginGate.MinSignals,
		requireMasked:  cfg.LoginGate.RequireMaskedInput,
		ancestorLevels: cfg.LoginGate.AncestorLevels,
	}
	if c.minSignals < 1 {
		c.minSignals = 1
	}
	if c.ancestorLevels < 1 {
		c.ancestorLevels = 1
	}

	for _, r := range cfg.Dangerous {
		re, err := compileInsensitive(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("danger rule %q: %w", r.Name, err)
		}
		c.danger = append(c.danger, dangerRule{name: r.Name, re: re})
	}
	for _, p := range cfg.LoginGate.LabelPatterns {
		re, err := compileInsensitive(p)
		if err != nil {
			return nil, fmt.Errorf("login label pattern %q: %w", p, err)
		}
		c.loginLabel = append(c.loginLabel, re)
	}
	for _, p := range cfg.PermissionPatterns {
		re, err := compileInsensitive(p)
		if err != nil {
			return nil, fmt.Errorf("permission pattern %q: %w", p, err)
		}
		c.permission = append(c.permission, re)
	}
	return c, nil
}

func compileInsensitive(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// Classify assigns el a category. ancestors run nearest first and bound the
// search for login signals to login_gate.ancestor_levels of them. Precedence
// is LoginGate, Dangerous, TextInput, SafeActionable.
func (c *Classifier) Classify(el *schemas.ElementSnapshot, ancestors ...*schemas.ElementSnapshot) Category {
	chain := make([]*schemas.ElementSnapshot, 0, len(ancestors))
	for _, a := range ancestors {
		if a != nil {
			chain = append(chain, a)
		}
	}
	return c.classify(el, chain)
}

// ClassifyScreen classifies every element of snap in pre-order.
func (c *Classifier) ClassifyScreen(snap *schemas.ScreenSnapshot) []Classified {
	if snap == nil || snap.Root == nil {
		return nil
	}
	var out []Classified
	var walk func(el *schemas.ElementSnapshot, ancestors []*schemas.ElementSnapshot)
	walk = func(el *schemas.ElementSnapshot, ancestors []*schemas.ElementSnapshot) {
		var parent *schemas.ElementSnapshot
		if len(ancestors) > 0 {
			parent = ancestors[0]
		}
		out = append(out, Classified{Element: el, Parent: parent, Category: c.classify(el, ancestors)})

		// Nearest ancestor first.
		next := make([]*schemas.ElementSnapshot, 0, len(ancestors)+1)
		next = append(next, el)
		next = append(next, ancestors...)
		for _, child := range el.Children {
			if child != nil {
				walk(child, next)
			}
		}
	}
	walk(snap.Root, nil)
	return out
}

func (c *Classifier) classify(el *schemas.ElementSnapshot, ancestors []*schemas.ElementSnapshot) Category {
	if el == nil {
		return SafeActionable{}
	}
	if c.isCredentialInput(el) {
		if n := c.loginSignals(el, ancestors); n >= c.minSignals {
			return LoginGate{Signals: n}
		}
	}
	if d, ok := c.matchDanger(el); ok {
		return d
	}
	if el.Editable || el.Masked {
		return TextInput{Masked: el.Masked}
	}
	return SafeActionable{}
}

func (c *Classifier) isCredentialInput(el *schemas.ElementSnapshot) bool {
	if el.Masked {
		return true
	}
	return !c.requireMasked && el.Editable && c.looksLikeLogin(el)
}

// matchDanger checks text, label and resource tag against the rules in order.
func (c *Classifier) matchDanger(el *schemas.ElementSnapshot) (Dangerous, bool) {
	haystack := searchText(el)
	if haystack == "" {
		return Dangerous{}, false
	}
	for _, r := range c.danger {
		if m := r.re.FindString(haystack); m != "" {
			return Dangerous{Rule: r.name, Match: m}, true
		}
	}
	return Dangerous{}, false
}

// loginSignals counts login-like elements around el: its own subtree plus the
// subtrees of up to ancestorLevels ancestors, excluding el itself.
func (c *Classifier) loginSignals(el *schemas.ElementSnapshot, ancestors []*schemas.ElementSnapshot) int {
	scope := el
	for i := 0; i < len(ancestors) && i < c.ancestorLevels; i++ {
		scope = ancestors[i]
	}

	n := 0
	scope.Walk(func(node, _ *schemas.ElementSnapshot) bool {
		if node != el && c.looksLikeLogin(node) {
			n++
		}
		return true
	})
	return n
}

func (c *Classifier) looksLikeLogin(el *schemas.ElementSnapshot) bool {
	haystack := searchText(el)
	if haystack == "" {
		return false
	}
	for _, re := range c.loginLabel {
		if re.MatchString(haystack) {
			return true
		}
	}
	return false
}

// DetectPause reports whether snap needs a human before exploration can go on.
// Login gates take precedence over permission prompts.
func (c *Classifier) DetectPause(snap *schemas.ScreenSnapshot) (schemas.PauseReason, bool) {
	if snap == nil || snap.Root == nil {
		return "", false
	}
	for _, cl := range c.ClassifyScreen(snap) {
		if _, ok := cl.Category.(LoginGate); ok {
			return schemas.PauseLoginGate, true
		}
	}
	if c.isPermissionPrompt(snap) {
		return schemas.PausePermissionPrompt, true
	}
	return "", false
}

// PermissionPrompt reports whether snap looks like a system permission
// dialog, ignoring login gates.
func (c *Classifier) PermissionPrompt(snap *schemas.ScreenSnapshot) bool {
	if snap == nil {
		return false
	}
	return c.isPermissionPrompt(snap)
}

func (c *Classifier) isPermissionPrompt(snap *schemas.ScreenSnapshot) bool {
	if len(c.permission) == 0 {
		return false
	}
	candidates := []string{snap.AppID, snap.Window}
	for _, el := range snap.Elements() {
		if el.ResourceTag != "" {
			candidates = append(candidates, el.ResourceTag)
		}
	}
	for _, re := range c.permission {
		for _, s := range candidates {
			if s != "" && re.MatchString(s) {
				return true
			}
		}
	}
	return false
}

var tagSeparators = strings.NewReplacer("_", " ", "-", " ", ".", " ", "/", " ", ":", " ")

// searchText joins text, label and a word-split resource tag so rules written
// as phrases also match identifiers such as "btn_delete_account".
func searchText(el *schemas.ElementSnapshot) string {
	parts := make([]string, 0, 3)
	if t := strings.TrimSpace(el.Text); t != "" {
		parts = append(parts, t)
	}
	if l := strings.TrimSpace(el.Label); l != "" {
		parts = append(parts, l)
	}
	if tag := el.ShortTag(); tag != "" {
		parts = append(parts, tagSeparators.Replace(tag))
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
