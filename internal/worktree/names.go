package worktree

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// adjectives and nouns used to synthesize a branch name when the caller
// doesn't supply one, e.g. "swift-fox-42".
var adjectives = []string{
	"swift", "bold", "quiet", "eager", "brave", "calm", "clever", "cozy",
	"daring", "earnest", "fierce", "gentle", "honest", "jolly", "keen",
	"lively", "mellow", "nimble", "plucky", "quick", "ready", "sharp",
	"steady", "tidy", "vivid", "witty", "zealous", "bright", "crisp", "dusty",
}

var nouns = []string{
	"fox", "oak", "river", "hawk", "cedar", "otter", "falcon", "maple",
	"badger", "heron", "willow", "lynx", "birch", "raven", "beetle", "finch",
	"marten", "spruce", "osprey", "thistle", "weasel", "alder", "kestrel",
	"pebble", "meadow", "ember", "glacier", "coral", "harbor", "prairie",
}

// randomBranchName synthesizes an "adjective-noun-NN" branch name.
func randomBranchName() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return "", fmt.Errorf("generating branch suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s-%d", adj, noun, n.Int64()), nil
}

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("choosing word: %w", err)
	}
	return words[n.Int64()], nil
}
