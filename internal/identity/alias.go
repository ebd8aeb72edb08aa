package identity

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"go.uber.org/zap"
)

// ErrEmptyPhrase is returned when a phrase normalizes to nothing.
var ErrEmptyPhrase = errors.New("alias phrase is empty")

// aliasTable is an immutable view of every alias, keyed by app id. Writers
// build a new table and swap it in; readers never take a lock.
type aliasTable struct {
	byApp map[string][]schemas.Alias
}

// AliasIndex maps human phrases to element identities.
type AliasIndex struct {
	logger    *zap.Logger
	threshold float64
	limit     int
	now       func() time.Time

	writeMu sync.Mutex
	table   atomic.Pointer[aliasTable]
}

// NewAliasIndex returns an empty index tuned by cfg.
func NewAliasIndex(cfg config.AliasConfig, logger *zap.Logger) *AliasIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &AliasIndex{
		logger:    logger.Named("alias_index"),
		threshold: cfg.SimilarityThreshold,
		limit:     cfg.MaxCandidates,
		now:       time.Now,
	}
	idx.table.Store(&aliasTable{byApp: map[string][]schemas.Alias{}})
	return idx
}

// NormalizePhrase lowercases, trims and collapses whitespace.
func NormalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// AddAlias records phrase for identityID. The same phrase may point at several
// identities; conflicts are settled when resolving. Adding an alias that is
// already present changes nothing and reports false.
func (a *AliasIndex) AddAlias(phrase, identityID, appID string, source schemas.AliasSource) (bool, error) {
	norm := NormalizePhrase(phrase)
	if norm == "" {
		return false, ErrEmptyPhrase
	}
	if identityID == "" || appID == "" {
		return false, errors.New("alias needs both an identity and an app")
	}
	alias := schemas.Alias{
		Phrase:     norm,
		IdentityID: identityID,
		AppID:      appID,
		Source:     source,
		CreatedAt:  a.now().UTC(),
	}
	added := a.merge([]schemas.Alias{alias})
	return added == 1, nil
}

// Load adds persisted aliases. Entries that are already known are skipped.
func (a *AliasIndex) Load(aliases []schemas.Alias) int {
	normalized := make([]schemas.Alias, 0, len(aliases))
	for _, al := range aliases {
		al.Phrase = NormalizePhrase(al.Phrase)
		if al.Phrase == "" || al.IdentityID == "" || al.AppID == "" {
			continue
		}
		normalized = append(normalized, al)
	}
	n := a.merge(normalized)
	a.logger.Debug("Loaded persisted aliases.", zap.Int("offered", len(aliases)), zap.Int("added", n))
	return n
}

func (a *AliasIndex) merge(aliases []schemas.Alias) int {
	if len(aliases) == 0 {
		return 0
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	old := a.table.Load()
	next := &aliasTable{byApp: make(map[string][]schemas.Alias, len(old.byApp)+1)}
	for app, list := range old.byApp {
		next.byApp[app] = list
	}

	added := 0
	copied := map[string]bool{}
	for _, al := range aliases {
		list := next.byApp[al.AppID]
		if containsAlias(list, al) {
			continue
		}
		// Only the touched app's slice is copied; the rest is shared with
		// readers of the previous table.
		if !copied[al.AppID] {
			list = append(make([]schemas.Alias, 0, len(list)+1), list...)
			copied[al.AppID] = true
		}
		next.byApp[al.AppID] = append(list, al)
		added++
	}
	if added > 0 {
		a.table.Store(next)
	}
	return added
}

func containsAlias(list []schemas.Alias, al schemas.Alias) bool {
	for _, existing := range list {
		if existing.Phrase == al.Phrase && existing.IdentityID == al.IdentityID && existing.Source == al.Source {
			return true
		}
	}
	return false
}

// ForApp returns the aliases of appID in insertion order.
func (a *AliasIndex) ForApp(appID string) []schemas.Alias {
	list := a.table.Load().byApp[appID]
	out := make([]schemas.Alias, len(list))
	copy(out, list)
	return out
}

// Apps returns the app ids that have at least one alias, sorted.
func (a *AliasIndex) Apps() []string {
	t := a.table.Load()
	out := make([]string, 0, len(t.byApp))
	for app := range t.byApp {
		out = append(out, app)
	}
	sort.Strings(out)
	return out
}

// Resolve ranks the identities phrase may refer to within appID. Exact
// matches come first, then approximate matches whose similarity reaches the
// configured threshold. Each identity appears at most once. An unknown app or
// an empty phrase yields an empty list.
func (a *AliasIndex) Resolve(phrase, appID string) []schemas.Candidate {
	query := NormalizePhrase(phrase)
	if query == "" {
		return []schemas.Candidate{}
	}
	list := a.table.Load().byApp[appID]

	best := make(map[string]schemas.Candidate)
	for _, al := range list {
		c := schemas.Candidate{IdentityID: al.IdentityID, Phrase: al.Phrase, Source: al.Source}
		if al.Phrase == query {
			c.Score, c.Exact = 1, true
		} else {
			c.Score = Similarity(query, al.Phrase)
			if c.Score < a.threshold {
				continue
			}
		}
		if prev, ok := best[c.IdentityID]; !ok || better(c, prev) {
			best[c.IdentityID] = c
		}
	}

	out := make([]schemas.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	if a.limit > 0 && len(out) > a.limit {
		out = out[:a.limit]
	}
	return out
}

// better orders candidates: exact, then score, then manual over auto, then by
// identity id and phrase so the ranking is total.
func better(x, y schemas.Candidate) bool {
	if x.Exact != y.Exact {
		return x.Exact
	}
	if x.Score != y.Score {
		return x.Score > y.Score
	}
	if x.Source != y.Source {
		return x.Source == schemas.AliasManual
	}
	if x.IdentityID != y.IdentityID {
		return x.IdentityID < y.IdentityID
	}
	return x.Phrase < y.Phrase
}

// Similarity is one minus the edit distance scaled by the longer phrase, in
// runes. Two empty strings are identical.
func Similarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// AutoPhrases derives the phrases a user is likely to say for el: its visible
// text and its accessibility label. Elements with neither fall back to their
// resource tag with separators turned into spaces.
func AutoPhrases(el *schemas.ElementSnapshot) []string {
	if el == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = NormalizePhrase(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(el.Text)
	add(el.Label)
	if len(out) == 0 {
		add(strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(el.ShortTag()))
	}
	return out
}
