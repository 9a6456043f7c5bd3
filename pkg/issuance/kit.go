package issuance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/samternent/concord/pkg/canonicalize"
)

// RarityRule holds the chance of each optional trait being rolled.
type RarityRule struct {
	AccessoryChance float64 `json:"accessoryChance"`
	FrameChance     float64 `json:"frameChance"`
	FxChance        float64 `json:"fxChance"`
	IdentityChance  float64 `json:"identityChance"`
}

// DefaultRarityWeights is used when a kit declares none.
func DefaultRarityWeights() map[string]float64 {
	return map[string]float64{
		"common":   0.7,
		"uncommon": 0.2,
		"rare":     0.08,
		"mythic":   0.02,
	}
}

var defaultRarityRules = map[string]RarityRule{
	"common":   {},
	"uncommon": {AccessoryChance: 0.2, FrameChance: 0.15, FxChance: 0.05, IdentityChance: 0.1},
	"rare":     {AccessoryChance: 0.6, FrameChance: 0.4, FxChance: 0.15, IdentityChance: 0.2},
	"mythic":   {AccessoryChance: 1, FrameChance: 0.8, FxChance: 0.5, IdentityChance: 0.35},
}

// Candidate is a fixed trait combination. Nil fields are rolled.
type Candidate struct {
	ArchetypeID *string `json:"archetypeId"`
	BodyID      *string `json:"bodyId"`
	EyesID      *string `json:"eyesId"`
	IdentityID  *string `json:"identityId"`
	AccessoryID *string `json:"accessoryId"`
	FrameID     *string `json:"frameId"`
	FxID        *string `json:"fxId"`
	PaletteID   *string `json:"paletteId"`
}

func (c Candidate) sortKey() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(c)
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
}

// IDList is a list of trait references. Elements are either bare strings or
// objects with an "id" field; the original JSON is kept for hashing.
type IDList []IDRef

// IDRef is one element of an IDList.
type IDRef struct {
	ID  string
	raw json.RawMessage
}

func (r *IDRef) UnmarshalJSON(b []byte) error {
	r.raw = append(json.RawMessage(nil), b...)
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.ID = s
		return nil
	}
	var obj struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		// Anything else carries no id and is skipped when rolling.
		r.ID = ""
		return nil
	}
	switch id := obj.ID.(type) {
	case string:
		r.ID = id
	case float64:
		r.ID = fmt.Sprint(id)
	}
	return nil
}

func (r IDRef) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	return json.Marshal(r.ID)
}

// Kit describes the trait space a pack is generated from.
type Kit struct {
	ID            string                `json:"id,omitempty"`
	Version       string                `json:"version,omitempty"`
	Archetypes    IDList                `json:"archetypes,omitempty"`
	Bodies        IDList                `json:"bodies,omitempty"`
	Eyes          IDList                `json:"eyes,omitempty"`
	Identities    IDList                `json:"identities,omitempty"`
	Accessories   IDList                `json:"accessories,omitempty"`
	Frames        IDList                `json:"frames,omitempty"`
	Fx            IDList                `json:"fx,omitempty"`
	Palettes      IDList                `json:"palettes,omitempty"`
	RarityWeights map[string]float64    `json:"rarityWeights,omitempty"`
	RarityRules   map[string]RarityRule `json:"rarityRules,omitempty"`
	Candidates    []Candidate           `json:"candidates,omitempty"`

	doc json.RawMessage
}

// ParseKit decodes a kit document. The document itself, not the decoded
// struct, is what Hash commits to.
func ParseKit(raw []byte) (*Kit, error) {
	var k Kit
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("parse kit: %w", err)
	}
	k.doc = append(json.RawMessage(nil), raw...)
	return &k, nil
}

// MarshalJSON returns the source document when the kit was parsed.
func (k *Kit) MarshalJSON() ([]byte, error) {
	if len(k.doc) > 0 {
		return k.doc, nil
	}
	type plain Kit
	return json.Marshal((*plain)(k))
}

// Hash is the canonical hash of the kit document.
func (k *Kit) Hash() (string, error) {
	raw, err := k.MarshalJSON()
	if err != nil {
		return "", err
	}
	return canonicalize.CanonicalHash(json.RawMessage(raw))
}

func (k *Kit) weights() map[string]float64 {
	if k == nil || k.RarityWeights == nil {
		return DefaultRarityWeights()
	}
	return k.RarityWeights
}

func (k *Kit) rule(rarity string) RarityRule {
	if k != nil {
		if r, ok := k.RarityRules[rarity]; ok {
			return r
		}
		if r, ok := k.RarityRules["default"]; ok {
			return r
		}
	}
	if r, ok := defaultRarityRules[rarity]; ok {
		return r
	}
	return defaultRarityRules["common"]
}

// Catalogue is the published series document a kit can be derived from.
type Catalogue struct {
	ThemeID       *string               `json:"themeId,omitempty"`
	ThemeVersion  *string               `json:"themeVersion,omitempty"`
	Version       *string               `json:"version,omitempty"`
	Palettes      []json.RawMessage     `json:"palettes,omitempty"`
	RarityWeights map[string]float64    `json:"rarityWeights,omitempty"`
	RarityRules   map[string]RarityRule `json:"rarityRules,omitempty"`
	Creatures     []CatalogueItem       `json:"creatures,omitempty"`
	Stickers      []CatalogueItem       `json:"stickers,omitempty"`
}

// CatalogueItem is one creature or sticker in a catalogue.
type CatalogueItem struct {
	ID         string  `json:"id"`
	PaletteID  *string `json:"paletteId,omitempty"`
	Attributes struct {
		ArchetypeID *string `json:"archetypeId,omitempty"`
		BodyID      *string `json:"bodyId,omitempty"`
		EyesID      *string `json:"eyesId,omitempty"`
		IdentityID  *string `json:"identityId,omitempty"`
		AccessoryID *string `json:"accessoryId,omitempty"`
		FrameID     *string `json:"frameId,omitempty"`
		FxID        *string `json:"fxId,omitempty"`
	} `json:"attributes"`
}

// ThemeVersionOrDefault is themeVersion, then version, then "1.0.0".
func (c *Catalogue) ThemeVersionOrDefault() string {
	switch {
	case c.ThemeVersion != nil:
		return *c.ThemeVersion
	case c.Version != nil:
		return *c.Version
	default:
		return "1.0.0"
	}
}

// ThemeIDOrDefault is themeId or "stickerbook".
func (c *Catalogue) ThemeIDOrDefault() string {
	if c.ThemeID != nil {
		return *c.ThemeID
	}
	return "stickerbook"
}

// DeriveKitFromCatalogue turns every catalogue creature (or sticker) into a
// fixed candidate. Creatures win over stickers when both are present.
func DeriveKitFromCatalogue(c *Catalogue) (*Kit, error) {
	items := c.Creatures
	if items == nil {
		items = c.Stickers
	}
	candidates := make([]Candidate, 0, len(items))
	for _, it := range items {
		candidates = append(candidates, Candidate{
			ArchetypeID: it.Attributes.ArchetypeID,
			BodyID:      it.Attributes.BodyID,
			EyesID:      it.Attributes.EyesID,
			IdentityID:  it.Attributes.IdentityID,
			AccessoryID: it.Attributes.AccessoryID,
			FrameID:     it.Attributes.FrameID,
			FxID:        it.Attributes.FxID,
			PaletteID:   it.PaletteID,
		})
	}
	palettes := c.Palettes
	if palettes == nil {
		palettes = []json.RawMessage{}
	}
	weights := c.RarityWeights
	if weights == nil {
		weights = DefaultRarityWeights()
	}
	doc := struct {
		ID            string                `json:"id"`
		Version       string                `json:"version"`
		Palettes      []json.RawMessage     `json:"palettes"`
		RarityWeights map[string]float64    `json:"rarityWeights"`
		RarityRules   map[string]RarityRule `json:"rarityRules"`
		Candidates    []Candidate           `json:"candidates"`
	}{
		ID:            c.ThemeIDOrDefault(),
		Version:       c.ThemeVersionOrDefault(),
		Palettes:      palettes,
		RarityWeights: weights,
		RarityRules:   c.RarityRules,
		Candidates:    candidates,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("derive kit: %w", err)
	}
	return ParseKit(raw)
}

var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und)
)

// localeLess orders strings the way ICU root collation does. Strings that
// collate equal fall back to byte order so map-sourced input sorts stably.
func localeLess(a, b string) bool {
	collatorMu.Lock()
	c := collator.CompareString(a, b)
	collatorMu.Unlock()
	if c != 0 {
		return c < 0
	}
	return a < b
}

func sortedIDs(list IDList) []string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		if r.ID != "" {
			out = append(out, r.ID)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return localeLess(out[i], out[j]) })
	return out
}

func sortedCandidates(in []Candidate) []Candidate {
	type keyed struct {
		key string
		c   Candidate
	}
	ks := make([]keyed, len(in))
	for i, c := range in {
		ks[i] = keyed{c.sortKey(), c}
	}
	sort.SliceStable(ks, func(i, j int) bool { return localeLess(ks[i].key, ks[j].key) })
	out := make([]Candidate, len(ks))
	for i, k := range ks {
		out[i] = k.c
	}
	return out
}

type weight struct {
	key   string
	value float64
}

func sortedWeights(w map[string]float64) []weight {
	out := make([]weight, 0, len(w))
	for k, v := range w {
		out = append(out, weight{k, v})
	}
	sort.SliceStable(out, func(i, j int) bool { return localeLess(out[i].key, out[j].key) })
	return out
}
