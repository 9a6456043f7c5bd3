// Package merkle folds ordered sha256 leaf hashes into a root.
//
// Interior nodes are the canonical hash of {"left": l, "right": r}. An odd
// node at any level is paired with itself. An empty leaf list has the root
// hash([]).
package merkle

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samternent/concord/pkg/canonicalize"
)

var hexHash = regexp.MustCompile(`^[a-f0-9]{64}$`)

// NormalizeHash lowercases and trims a sha256 hex string and checks its shape.
func NormalizeHash(h string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(h))
	if !hexHash.MatchString(n) {
		return "", fmt.Errorf("merkle: expected 64-char sha256 hex string, got %q", h)
	}
	return n, nil
}

// Tree keeps every level so proofs can be read off without rehashing.
type Tree struct {
	Leaves []string
	Root   string
	Levels [][]string // Levels[0] is the leaves, the last level is [Root]
}

// Build normalizes leafHashes and folds them into a tree.
func Build(leafHashes []string) (*Tree, error) {
	leaves := make([]string, len(leafHashes))
	for i, h := range leafHashes {
		n, err := NormalizeHash(h)
		if err != nil {
			return nil, err
		}
		leaves[i] = n
	}
	if len(leaves) == 0 {
		root, err := canonicalize.CanonicalHash([]string{})
		if err != nil {
			return nil, err
		}
		return &Tree{Leaves: leaves, Root: root}, nil
	}

	tree := &Tree{Leaves: leaves}
	level := leaves
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		next, err := buildNextLevel(level)
		if err != nil {
			return nil, err
		}
		level = next
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

// Root returns the root over leafHashes.
func Root(leafHashes []string) (string, error) {
	t, err := Build(leafHashes)
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

func buildNextLevel(hashes []string) ([]string, error) {
	next := make([]string, 0, (len(hashes)+1)/2)
	for i := 0; i < len(hashes); i += 2 {
		left := hashes[i]
		right := left
		if i+1 < len(hashes) {
			right = hashes[i+1]
		}
		h, err := NodeHash(left, right)
		if err != nil {
			return nil, err
		}
		next = append(next, h)
	}
	return next, nil
}

// NodeHash hashes an interior node.
func NodeHash(left, right string) (string, error) {
	return canonicalize.CanonicalHash(struct {
		Left  string `json:"left"`
		Right string `json:"right"`
	}{left, right})
}

// LeafHash is the canonical hash of a leaf value.
func LeafHash(v any) (string, error) {
	return canonicalize.CanonicalHash(v)
}

// Commitment binds item hashes, their count and the root:
// hash({itemHashes, count, packRoot}). An empty root is computed from
// itemHashes.
func Commitment(itemHashes []string, count int, root string) (string, error) {
	items := make([]string, len(itemHashes))
	for i, h := range itemHashes {
		n, err := NormalizeHash(h)
		if err != nil {
			return "", err
		}
		items[i] = n
	}
	if root == "" {
		r, err := Root(items)
		if err != nil {
			return "", err
		}
		root = r
	} else {
		n, err := NormalizeHash(root)
		if err != nil {
			return "", err
		}
		root = n
	}
	if count < 0 {
		count = 0
	}
	return canonicalize.CanonicalHash(map[string]any{
		"itemHashes": items,
		"count":      count,
		"packRoot":   root,
	})
}
