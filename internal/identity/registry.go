// Package identity assigns stable identifiers to screen elements and maps
// human phrases back to them.
package identity

import (
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/minio/highwayhash"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"go.uber.org/zap"
)

// idKey seeds identity hashing. It must stay fixed for ids to survive restarts.
var idKey = []byte("cartographer/element-identity/v1")

const idPrefix = "el_"

// Registry hands out identities. The id is a pure function of the app id and
// the element signature, so the same element gets the same id in every
// session regardless of discovery order. Reads may run concurrently with
// exploration writes.
type Registry struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	byID     map[string]schemas.ElementIdentity
	children map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger.Named("identity"),
		byID:     make(map[string]schemas.ElementIdentity),
		children: make(map[string][]string),
	}
}

// ComputeID derives the identity id for sig within appID.
func ComputeID(appID string, sig Signature) string {
	sum := highwayhash.Sum128([]byte(appID+"\x1e"+sig.Key()), idKey)
	return idPrefix + hex.EncodeToString(sum[:])
}

// ResolveOrCreate returns the identity for sig, creating it on first sight.
// An existing identity is never modified.
func (r *Registry) ResolveOrCreate(sig Signature, appID, appVersion string) schemas.ElementIdentity {
	id := ComputeID(appID, sig)

	r.mu.RLock()
	existing, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		return existing
	}
	ident := schemas.ElementIdentity{
		ID:           id,
		AppID:        appID,
		AppVersion:   appVersion,
		AncestorPath: sig.AncestorPath,
		Type:         sig.Type,
		Text:         sig.Text,
		Label:        sig.Label,
		ResourceTag:  sig.ResourceTag,
	}
	r.byID[id] = ident
	r.logger.Debug("New element identity.", zap.String("id", id), zap.String("app", appID), zap.String("path", sig.Path()))
	return ident
}

// RecordParent links child to parent. Both must be known. Structurally equal
// children can sit under different parents; the smallest parent id wins so the
// outcome does not depend on discovery order.
func (r *Registry) RecordParent(childID, parentID string) error {
	if childID == parentID {
		return fmt.Errorf("identity %s cannot be its own parent", childID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	child, ok := r.byID[childID]
	if !ok {
		return fmt.Errorf("unknown child identity %s", childID)
	}
	if _, ok := r.byID[parentID]; !ok {
		return fmt.Errorf("unknown parent identity %s", parentID)
	}
	if child.ParentID != "" && child.ParentID <= parentID {
		return nil
	}
	if old := child.ParentID; old != "" {
		r.children[old] = slices.DeleteFunc(r.children[old], func(id string) bool { return id == childID })
	}
	child.ParentID = parentID
	r.byID[childID] = child
	r.children[parentID] = insertSorted(r.children[parentID], childID)
	return nil
}

func insertSorted(ids []string, id string) []string {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

// Get returns the identity with the given id.
func (r *Registry) Get(id string) (schemas.ElementIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.byID[id]
	return ident, ok
}

// Parent returns the parent identity of id, if one was recorded.
func (r *Registry) Parent(id string) (schemas.ElementIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.byID[id]
	if !ok || ident.ParentID == "" {
		return schemas.ElementIdentity{}, false
	}
	parent, ok := r.byID[ident.ParentID]
	return parent, ok
}

// Children returns the identities recorded under parentID, sorted by id.
func (r *Registry) Children(parentID string) []schemas.ElementIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.children[parentID]
	out := make([]schemas.ElementIdentity, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}

// All returns every identity of appID sorted by id.
func (r *Registry) All(appID string) []schemas.ElementIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []schemas.ElementIdentity
	for _, ident := range r.byID {
		if ident.AppID == appID {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns how many identities the registry holds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Load adds persisted identities. Known ids are left as they are.
func (r *Registry) Load(identities []schemas.ElementIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ident := range identities {
		if _, ok := r.byID[ident.ID]; ok {
			continue
		}
		r.byID[ident.ID] = ident
	}
	r.children = make(map[string][]string)
	for id, ident := range r.byID {
		if ident.ParentID != "" {
			r.children[ident.ParentID] = insertSorted(r.children[ident.ParentID], id)
		}
	}
	r.logger.Debug("Loaded persisted identities.", zap.Int("count", len(identities)))
}
