package agent

import "fmt"

// Adjective-Object-NN name scheme: kebab-case with a two-digit suffix,
// deterministic for a given index so runs reproduce names without global
// random state. Example: "brisk-vertex-04".

var namingAdjectives = []string{
	"brisk", "mellow", "tart", "lithe", "sable", "crisp", "vivid", "blunt",
	"bright", "calm", "clear", "daring", "deep", "eager", "even", "feral",
	"gleam", "granite", "hushed", "keen", "lucid", "neat", "nimble", "plain",
	"plush", "prime", "quick", "quiet", "raw", "round", "sharp", "sleek",
	"solid", "spry", "stark", "still", "suave", "tame", "tawny", "tidy",
	"tonal", "true", "uniform", "velvet", "warm", "wary", "zesty",
}

var namingObjects = []string{
	"anchor", "apex", "beacon", "blade", "branch", "brick", "bridge", "cable",
	"chisel", "cinder", "cipher", "compass", "cradle", "dial", "echo",
	"filament", "flint", "fuse", "gasket", "gear", "hinge", "kernel", "knob",
	"lantern", "ledger", "lever", "lumen", "matrix", "module", "needle",
	"notch", "orb", "parcel", "peg", "piston", "plinth", "prism", "pulley",
	"relay", "rivet", "rod", "socket", "spindle", "spring", "stencil",
	"strand", "tile", "token", "valve", "vector", "vertex", "vessel", "visor",
}

// AdjectiveObjectNNForIndex returns (displayName, agentID) for the given
// index. Both are currently the same kebab-case string; kept as a pair so
// display names can diverge from ids later.
func AdjectiveObjectNNForIndex(index int) (string, string) {
	if index < 0 {
		index = -index
	}
	adj := namingAdjectives[index%len(namingAdjectives)]
	obj := namingObjects[index%len(namingObjects)]
	name := fmt.Sprintf("%s-%s-%02d", adj, obj, index%100)
	return name, name
}
