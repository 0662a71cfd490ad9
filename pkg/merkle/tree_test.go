package merkle

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// matchLeafFields mirrors pkg/epoch's unexported matchLeaf construction
// (canonical JSON of a match's settlement-relevant fields, hashed with
// Keccak256) so this package's tests exercise the same leaf shape the
// epoch scheduler actually anchors, without importing epoch (which itself
// imports this package).
type matchLeafFields struct {
	MatchID     uuid.UUID `json:"match_id"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	MatchedKWh  float64   `json:"matched_kwh"`
	MatchPrice  float64   `json:"match_price"`
}

func matchLeaf(f matchLeafFields) []byte {
	raw, err := json.Marshal(f)
	if err != nil {
		panic("matchLeaf: marshal failed: " + err.Error())
	}
	return crypto.Keccak256(raw)
}

func sampleMatches(n int) []matchLeafFields {
	matches := make([]matchLeafFields, n)
	for i := 0; i < n; i++ {
		matches[i] = matchLeafFields{
			MatchID:     uuid.New(),
			BuyOrderID:  uuid.New(),
			SellOrderID: uuid.New(),
			MatchedKWh:  float64(i+1) * 1.5,
			MatchPrice:  0.12,
		}
	}
	return matches
}

func TestBuildTree_SingleMatch(t *testing.T) {
	matches := sampleMatches(1)
	leaf := matchLeaf(matches[0])

	tree, err := BuildTree([][]byte{leaf})
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	if tree.LeafCount() != 1 {
		t.Errorf("leaf count mismatch: got %d, want 1", tree.LeafCount())
	}
	if string(tree.Root()) != string(leaf) {
		t.Errorf("single leaf root should equal the leaf itself")
	}
}

// TestClearEpoch_ReceiptRoundTrip builds a tree the way clear_epoch does —
// one leaf per cleared match — and checks that every match's receipt,
// produced by ReceiptFromInclusionProof, independently verifies against
// the tree's anchored root without the caller ever touching the Tree.
func TestClearEpoch_ReceiptRoundTrip(t *testing.T) {
	const epochID = int64(42)
	matches := sampleMatches(5)

	leaves := make([][]byte, len(matches))
	for i, m := range matches {
		leaves[i] = matchLeaf(m)
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}
	anchor := tree.RootHex()

	for i := range matches {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("match %d: generate proof: %v", i, err)
		}

		receipt := ReceiptFromInclusionProof(proof, epochID)
		if receipt.EpochID != epochID {
			t.Errorf("match %d: receipt epoch mismatch: got %d, want %d", i, receipt.EpochID, epochID)
		}
		if receipt.Anchor != anchor {
			t.Errorf("match %d: receipt anchor mismatch: got %s, want %s", i, receipt.Anchor, anchor)
		}

		if err := receipt.Validate(); err != nil {
			t.Errorf("match %d: receipt failed to validate: %v", i, err)
		}

		root, err := receipt.ComputeRoot()
		if err != nil {
			t.Fatalf("match %d: compute root: %v", i, err)
		}
		if tree.RootHex() != hex.EncodeToString(root[:]) {
			t.Errorf("match %d: recomputed root does not match tree root", i)
		}

		// The receipt is meant to outlive the Tree: round-trip it through
		// JSON the way a caller outside this process would receive it.
		raw, err := receipt.ToJSON()
		if err != nil {
			t.Fatalf("match %d: marshal receipt: %v", i, err)
		}
		restored, err := ReceiptFromJSON(raw)
		if err != nil {
			t.Fatalf("match %d: unmarshal receipt: %v", i, err)
		}
		if err := restored.Validate(); err != nil {
			t.Errorf("match %d: restored receipt failed to validate: %v", i, err)
		}
	}
}

// TestClearEpoch_ReceiptRejectsTamperedAnchor confirms a receipt for one
// epoch's root cannot be replayed against a different epoch's anchor.
func TestClearEpoch_ReceiptRejectsTamperedAnchor(t *testing.T) {
	matches := sampleMatches(3)
	leaves := make([][]byte, len(matches))
	for i, m := range matches {
		leaves[i] = matchLeaf(m)
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree: %v", err)
	}

	proof, err := tree.GenerateProof(1)
	if err != nil {
		t.Fatalf("generate proof: %v", err)
	}
	receipt := ReceiptFromInclusionProof(proof, 7)

	otherLeaves := make([][]byte, len(leaves))
	copy(otherLeaves, leaves)
	otherLeaves[0] = matchLeaf(matchLeafFields{MatchID: uuid.New(), BuyOrderID: uuid.New(), SellOrderID: uuid.New(), MatchedKWh: 9, MatchPrice: 0.5})
	otherTree, err := BuildTree(otherLeaves)
	if err != nil {
		t.Fatalf("build other tree: %v", err)
	}

	receipt.Anchor = otherTree.RootHex()
	if err := receipt.Validate(); err == nil {
		t.Error("receipt should fail to validate against a different epoch's anchor")
	}
}

func TestGenerateProof_OddMatchCount(t *testing.T) {
	matches := sampleMatches(3)
	leaves := make([][]byte, len(matches))
	for i, m := range matches {
		leaves[i] = matchLeaf(m)
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("failed to build tree with odd match count: %v", err)
	}

	for i := range leaves {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("match %d: generate proof: %v", i, err)
		}
		valid, err := VerifyProof(leaves[i], proof, tree.Root())
		if err != nil {
			t.Fatalf("match %d: verify proof: %v", i, err)
		}
		if !valid {
			t.Errorf("match %d: proof did not verify", i)
		}
	}
}

func TestEmptyTree(t *testing.T) {
	_, err := BuildTree([][]byte{})
	if err != ErrEmptyTree {
		t.Errorf("expected ErrEmptyTree, got %v", err)
	}
}
