package hash

import (
	"errors"
	"fmt"
)

var (
	ErrNoLeaves     = errors.New("no leaves to build tree")
	ErrLeafNotFound = errors.New("leaf not found in tree")
)

type MerkleNode struct {
	Hash  string
	Left  *MerkleNode
	Right *MerkleNode
}

func (n *MerkleNode) isLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// MerkleProof is an inclusion path from a leaf to the root. Directions[i] is
// true when the running hash is the left operand at step i.
type MerkleProof struct {
	LeafHash   string   `json:"leafHash"`
	Siblings   []string `json:"siblings"`
	Directions []bool   `json:"directions"`
}

// MerkleTree is rebuilt for every block and never mutated after construction.
type MerkleTree struct {
	root   *MerkleNode
	leaves []string
}

// BuildMerkleTree pairs each level left to right. An odd trailing node is
// carried to the next level unchanged, not duplicated.
func BuildMerkleTree(leaves []string) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([]*MerkleNode, len(leaves))
	for i, leaf := range leaves {
		level[i] = &MerkleNode{Hash: leaf}
	}

	for len(level) > 1 {
		next := make([]*MerkleNode, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 >= len(level) {
				next = append(next, level[i])
				break
			}
			left, right := level[i], level[i+1]
			next = append(next, &MerkleNode{
				Hash:  DigestString(left.Hash + right.Hash),
				Left:  left,
				Right: right,
			})
		}
		level = next
	}

	stored := make([]string, len(leaves))
	copy(stored, leaves)

	return &MerkleTree{root: level[0], leaves: stored}, nil
}

func (t *MerkleTree) Root() string {
	return t.root.Hash
}

func (t *MerkleTree) Leaves() []string {
	out := make([]string, len(t.leaves))
	copy(out, t.leaves)
	return out
}

type siblingRef struct {
	node *MerkleNode
	// left reports whether the sibling sits to the left of the matched node.
	left bool
}

// siblingOf finds hash in the subtree rooted at n. A match on n itself returns
// n; a match on a child returns the other child.
func siblingOf(hash string, n *MerkleNode) *siblingRef {
	if n == nil {
		return nil
	}
	if n.Hash == hash {
		return &siblingRef{node: n}
	}
	if n.isLeaf() {
		return nil
	}
	if n.Left != nil && n.Left.Hash == hash {
		return &siblingRef{node: n.Right, left: false}
	}
	if n.Right != nil && n.Right.Hash == hash {
		return &siblingRef{node: n.Left, left: true}
	}
	if ref := siblingOf(hash, n.Left); ref != nil {
		return ref
	}
	return siblingOf(hash, n.Right)
}

// Verify reports whether candidate is a leaf or internal value of the tree and
// hashes up to the root. Unknown hashes return false.
func (t *MerkleTree) Verify(candidate string) bool {
	current := candidate
	ref := siblingOf(current, t.root)

	for ref != nil && ref.node != nil && ref.node.Hash != t.root.Hash {
		if ref.left {
			current = DigestString(ref.node.Hash + current)
		} else {
			current = DigestString(current + ref.node.Hash)
		}
		ref = siblingOf(current, t.root)
	}

	return ref != nil && ref.node != nil && ref.node.Hash == t.root.Hash
}

// Proof returns the sibling path for leafHash.
func (t *MerkleTree) Proof(leafHash string) (*MerkleProof, error) {
	proof := &MerkleProof{
		LeafHash:   leafHash,
		Siblings:   make([]string, 0),
		Directions: make([]bool, 0),
	}

	if !buildProof(t.root, leafHash, proof) {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leafHash)
	}

	return proof, nil
}

func buildProof(node *MerkleNode, target string, proof *MerkleProof) bool {
	if node == nil {
		return false
	}

	if node.isLeaf() {
		return node.Hash == target
	}

	if buildProof(node.Left, target, proof) {
		proof.Siblings = append(proof.Siblings, node.Right.Hash)
		proof.Directions = append(proof.Directions, true)
		return true
	}

	if buildProof(node.Right, target, proof) {
		proof.Siblings = append(proof.Siblings, node.Left.Hash)
		proof.Directions = append(proof.Directions, false)
		return true
	}

	return false
}

func (mp *MerkleProof) Verify(expectedRoot string) bool {
	if len(mp.Siblings) != len(mp.Directions) {
		return false
	}

	currentHash := mp.LeafHash

	for i := 0; i < len(mp.Siblings); i++ {
		if mp.Directions[i] {
			currentHash = DigestString(currentHash + mp.Siblings[i])
		} else {
			currentHash = DigestString(mp.Siblings[i] + currentHash)
		}
	}

	return currentHash == expectedRoot
}
