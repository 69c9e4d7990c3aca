package drain

import "testing"

func TestParseEmptyLine(t *testing.T) {
	tree := NewTree(DefaultConfig())
	out := tree.Parse("   ")
	if out.TemplateID != "empty" {
		t.Fatalf("expected empty sentinel, got %q", out.TemplateID)
	}
}

func TestParseGeneralizesAcrossRepeats(t *testing.T) {
	tree := NewTree(DefaultConfig())

	// build42x/build99x stay intact through preprocessing (the digit run
	// isn't bounded by a non-alphanumeric character on both sides, so the
	// bare-number mask skips it) so this exercises the tree's own
	// containsDigit wildcarding rather than the preprocessing pass.
	first := tree.Parse("Step build42x completed with status green")
	if !first.IsNew {
		t.Fatal("expected first line to create a new cluster")
	}

	second := tree.Parse("Step build99x completed with status green")
	if second.IsNew {
		t.Fatal("expected second line to match the existing cluster")
	}
	if second.TemplateID != first.TemplateID {
		t.Fatalf("expected stable template id across generalization, got %q vs %q", first.TemplateID, second.TemplateID)
	}
	if second.Template == first.Template {
		t.Fatalf("expected template to generalize, got unchanged %q", second.Template)
	}

	clusters := tree.Clusters()
	c, ok := clusters[first.TemplateID]
	if !ok {
		t.Fatalf("expected cluster %q to be tracked", first.TemplateID)
	}
	if c.Size != 2 {
		t.Fatalf("expected size 2 after two matches, got %d", c.Size)
	}
}

func TestTemplateIDStableAfterGeneralization(t *testing.T) {
	tree := NewTree(DefaultConfig())
	first := tree.Parse("user 1 logged in")
	tree.Parse("user 2 logged in")
	third := tree.Parse("user 3 logged in")
	if third.TemplateID != first.TemplateID {
		t.Fatalf("template id must not change once assigned: %q != %q", first.TemplateID, third.TemplateID)
	}
}

func TestSeqSimilarityExcludesWildcardsFromDenominator(t *testing.T) {
	sim := seqSimilarity([]string{"<*>", "<*>"}, []string{"<*>", "<*>"})
	if sim != 1 {
		t.Fatalf("expected all-wildcard comparison to be a full match, got %v", sim)
	}

	sim = seqSimilarity([]string{"a", "<*>"}, []string{"a", "<*>"})
	if sim != 1 {
		t.Fatalf("expected matching non-wildcard position to score 1, got %v", sim)
	}

	sim = seqSimilarity([]string{"a", "<*>"}, []string{"b", "<*>"})
	if sim != 0 {
		t.Fatalf("expected mismatched non-wildcard position to score 0, got %v", sim)
	}
}

func TestDifferentLengthLinesDoNotShareCluster(t *testing.T) {
	tree := NewTree(DefaultConfig())
	a := tree.Parse("build 1 failed")
	b := tree.Parse("build 1 failed hard")
	if a.TemplateID == b.TemplateID {
		t.Fatal("expected different token counts to route to different clusters")
	}
}

func TestMaxChildrenOverflowCollapsesToWildcard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChildren = 2
	tree := NewTree(cfg)

	tree.Parse("alpha step ran")
	tree.Parse("bravo step ran")
	tree.Parse("charlie step ran")

	lengthNode := tree.root.children["3"]
	if lengthNode == nil {
		t.Fatal("expected a length-3 node")
	}
	if len(lengthNode.children) > cfg.MaxChildren+1 {
		t.Fatalf("expected overflow to collapse onto a shared wildcard child, got %d children", len(lengthNode.children))
	}
}

func TestPreprocessMasksVariables(t *testing.T) {
	tokens := preprocess("Connection from 192.168.1.100 took 45 seconds, id 550e8400-e29b-41d4-a716-446655440000")
	found := map[string]bool{}
	for _, tok := range tokens {
		found[tok] = true
	}
	if !found["<IP>"] {
		t.Errorf("expected IP to be masked, got tokens %v", tokens)
	}
	if !found["<UUID>"] {
		t.Errorf("expected UUID to be masked, got tokens %v", tokens)
	}
	if !found["<NUM>"] {
		t.Errorf("expected bare number to be masked, got tokens %v", tokens)
	}
}
