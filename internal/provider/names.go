package provider

import (
	"fmt"
	"math/rand"
)

var nameAdjectives = []string{
	"amber", "brisk", "calm", "dapper", "eager", "fuzzy", "gentle", "hazy",
	"ivory", "jolly", "keen", "lucid", "mellow", "nimble", "opal", "plucky",
	"quiet", "rustic", "sturdy", "tidy", "vivid", "witty",
}

var nameNouns = []string{
	"falcon", "harbor", "lantern", "meadow", "otter", "pebble", "quarry",
	"ridge", "sparrow", "thicket", "willow", "zephyr", "beacon", "cedar",
	"dune", "ember", "fjord", "grove",
}

// RandomResourceName produces a human-friendly resource name. Uniqueness is
// not required; the suffix just keeps collisions rare enough for humans.
func RandomResourceName() string {
	return fmt.Sprintf("%s-%s-%d",
		nameAdjectives[rand.Intn(len(nameAdjectives))],
		nameNouns[rand.Intn(len(nameNouns))],
		rand.Intn(10000),
	)
}
