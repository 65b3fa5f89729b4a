package collab

import "hash/fnv"

// collaboratorPalette holds the display colors handed out to collaborators.
// The same user id always maps to the same color, so a rejoin keeps its hue.
var collaboratorPalette = []string{
	"#E05263",
	"#3A86FF",
	"#2EC4B6",
	"#FF9F1C",
	"#8338EC",
	"#06D6A0",
	"#EF476F",
	"#118AB2",
	"#FFD166",
	"#9B5DE5",
}

// ColorFor returns the stable display color for a user id.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return collaboratorPalette[int(hasher.Sum32())%len(collaboratorPalette)]
}
