package collab

// collaboratorPalette provides visually distinct colors for the first eight
// simultaneous editors of a note. Colors repeat deterministically beyond that.
var collaboratorPalette = []string{
	"#e11d48",
	"#2563eb",
	"#16a34a",
	"#d97706",
	"#7c3aed",
	"#0891b2",
	"#db2777",
	"#65a30d",
}

func paletteColor(index int) string {
	if index < 0 {
		index = -index
	}
	return collaboratorPalette[index%len(collaboratorPalette)]
}
