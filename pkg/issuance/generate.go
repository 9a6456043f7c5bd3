// Package issuance implements commit-reveal pack issuance.
//
// The issuer commits to a random server secret before it learns the
// requester's nonce. Pack contents are a pure function of the revealed
// secret, the nonce, the request and the kit, so any party holding the
// signed pack.issued payload can regenerate and check them.
package issuance

import (
	"fmt"
	"math"

	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/merkle"
)

// Item is one generated pack entry. Absent traits are explicit nulls so the
// item hash always covers every field.
type Item struct {
	Index       int     `json:"index"`
	ArchetypeID *string `json:"archetypeId"`
	BodyID      *string `json:"bodyId"`
	EyesID      *string `json:"eyesId"`
	IdentityID  *string `json:"identityId"`
	AccessoryID *string `json:"accessoryId"`
	FrameID     *string `json:"frameId"`
	FxID        *string `json:"fxId"`
	PaletteID   *string `json:"paletteId"`
	Rarity      string  `json:"rarity"`
}

// SeedParams are the inputs to DerivePackSeed.
type SeedParams struct {
	ServerSecret  string `json:"serverSecret"`
	ClientNonce   string `json:"clientNonce"`
	PackRequestID string `json:"packRequestId"`
	SeriesID      string `json:"seriesId"`
	ThemeID       string `json:"themeId"`
}

// DerivePackSeed binds both parties' secrets to the request.
func DerivePackSeed(p SeedParams) (string, error) {
	return canonicalize.CanonicalHash(p)
}

// GenerateParams configures GeneratePack.
type GenerateParams struct {
	PackSeed    string
	SeriesID    string
	ThemeID     string
	Count       int
	AlgoVersion string
	Kit         *Kit
}

// GeneratePack deterministically rolls Count items. The order in which the
// generator is consumed is part of the format: rarity, candidate, the four
// optional-trait rolls, then one draw per trait that the candidate leaves
// unset.
func GeneratePack(p GenerateParams) []Item {
	count := p.Count
	if count < 0 {
		count = 0
	}
	rng := NewSeededRNG(fmt.Sprintf("%s:%s:%s:%s", p.PackSeed, p.SeriesID, p.ThemeID, p.AlgoVersion))

	kit := p.Kit
	if kit == nil {
		kit = &Kit{}
	}
	weights := sortedWeights(kit.weights())
	candidates := sortedCandidates(kit.Candidates)
	archetypeSource := kit.Archetypes
	if archetypeSource == nil {
		archetypeSource = kit.Bodies
	}
	var (
		archetypes  = sortedIDs(archetypeSource)
		bodies      = sortedIDs(kit.Bodies)
		eyes        = sortedIDs(kit.Eyes)
		identities  = sortedIDs(kit.Identities)
		accessories = sortedIDs(kit.Accessories)
		frames      = sortedIDs(kit.Frames)
		fx          = sortedIDs(kit.Fx)
		palettes    = sortedIDs(kit.Palettes)
	)

	items := make([]Item, 0, count)
	for index := 0; index < count; index++ {
		rarity := pickWeighted(rng, weights)
		rule := kit.rule(rarity)
		var cand *Candidate
		if len(candidates) > 0 {
			c := candidates[int(math.Floor(rng()*float64(len(candidates))))]
			cand = &c
		}
		identityRoll := rng() <= rule.IdentityChance
		accessoryRoll := rng() <= rule.AccessoryChance
		frameRoll := rng() <= rule.FrameChance
		fxRoll := rng() <= rule.FxChance

		var c Candidate
		if cand != nil {
			c = *cand
		}
		item := Item{Index: index, Rarity: rarity}
		item.ArchetypeID = orPick(c.ArchetypeID, rng, archetypes, true)
		item.BodyID = orPick(c.BodyID, rng, bodies, true)
		item.EyesID = orPick(c.EyesID, rng, eyes, true)
		item.IdentityID = orPick(c.IdentityID, rng, identities, identityRoll)
		item.AccessoryID = orPick(c.AccessoryID, rng, accessories, accessoryRoll)
		item.FrameID = orPick(c.FrameID, rng, frames, frameRoll)
		item.FxID = orPick(c.FxID, rng, fx, fxRoll)
		item.PaletteID = orPick(c.PaletteID, rng, palettes, true)
		items = append(items, item)
	}
	return items
}

// orPick keeps a fixed value, otherwise draws from list when roll is set.
// Nothing is drawn for a fixed value, a failed roll or an empty list.
func orPick(fixed *string, rng RNG, list []string, roll bool) *string {
	if fixed != nil {
		return fixed
	}
	if !roll {
		return nil
	}
	return pick(rng, list)
}

func pick(rng RNG, list []string) *string {
	if len(list) == 0 {
		return nil
	}
	v := list[int(math.Floor(rng()*float64(len(list))))]
	return &v
}

func pickWeighted(rng RNG, weights []weight) string {
	if len(weights) == 0 {
		return "common"
	}
	var total float64
	for _, w := range weights {
		total += w.value
	}
	if total == 0 {
		return weights[0].key
	}
	roll := rng() * total
	var cursor float64
	for _, w := range weights {
		cursor += w.value
		if roll <= cursor {
			return w.key
		}
	}
	return weights[len(weights)-1].key
}

// ItemHashes returns the canonical hash of every item, in order.
func ItemHashes(items []Item) ([]string, error) {
	out := make([]string, len(items))
	for i, it := range items {
		h, err := merkle.LeafHash(it)
		if err != nil {
			return nil, fmt.Errorf("hash item %d: %w", i, err)
		}
		out[i] = h
	}
	return out, nil
}

// Digest is the hashed summary of a generated pack.
type Digest struct {
	ItemHashes         []string `json:"itemHashes"`
	PackRoot           string   `json:"packRoot"`
	ContentsCommitment string   `json:"contentsCommitment"`
}

// Summarize hashes items into a Digest.
func Summarize(items []Item) (Digest, error) {
	hashes, err := ItemHashes(items)
	if err != nil {
		return Digest{}, err
	}
	root, err := merkle.Root(hashes)
	if err != nil {
		return Digest{}, err
	}
	commitment, err := merkle.Commitment(hashes, len(hashes), root)
	if err != nil {
		return Digest{}, err
	}
	return Digest{ItemHashes: hashes, PackRoot: root, ContentsCommitment: commitment}, nil
}

// StickerID names the item at index within a pack.
func StickerID(packRoot string, index int) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{"packRoot": packRoot, "index": index})
}

// ThemeHash commits to the theme a pack was generated under.
func ThemeHash(themeID, themeVersion string) (string, error) {
	return canonicalize.CanonicalHash(map[string]string{"themeId": themeID, "themeVersion": themeVersion})
}
