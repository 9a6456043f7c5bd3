package merkle

import "fmt"

// Sibling positions in a proof step.
const (
	Left  = "left"
	Right = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Position string `json:"position"`
	Hash     string `json:"hash"`
}

// Proof returns the inclusion path for the leaf at index.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}
	steps := []ProofStep{}
	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if idx%2 == 0 {
			sibling := level[idx]
			if idx+1 < len(level) {
				sibling = level[idx+1]
			}
			steps = append(steps, ProofStep{Position: Right, Hash: sibling})
		} else {
			steps = append(steps, ProofStep{Position: Left, Hash: level[idx-1]})
		}
		idx /= 2
	}
	return steps, nil
}

// VerifyProof folds leafHash through steps and compares with root.
func VerifyProof(leafHash string, steps []ProofStep, root string) bool {
	current, err := NormalizeHash(leafHash)
	if err != nil {
		return false
	}
	for _, step := range steps {
		var next string
		switch step.Position {
		case Left:
			next, err = NodeHash(step.Hash, current)
		case Right:
			next, err = NodeHash(current, step.Hash)
		default:
			return false
		}
		if err != nil {
			return false
		}
		current = next
	}
	want, err := NormalizeHash(root)
	return err == nil && current == want
}
