package renderer

// Preset is a named set of encoder arguments.
type Preset struct {
	Name string
	args []string
}

// Args returns a copy of the encoder arguments.
func (p Preset) Args() []string {
	return append([]string(nil), p.args...)
}

var presets = map[string]Preset{
	"storyclip_fast": {
		Name: "storyclip_fast",
		args: []string{
			"-c:v", "libx264", "-preset", "veryfast", "-crf", "22",
			"-pix_fmt", "yuv420p", "-r", "30",
			"-c:a", "aac", "-b:a", "160k",
			"-movflags", "+faststart",
		},
	},
	"storyclip_quality": {
		Name: "storyclip_quality",
		args: []string{
			"-c:v", "libx264", "-preset", "medium", "-crf", "20",
			"-pix_fmt", "yuv420p", "-r", "30",
			"-c:a", "aac", "-b:a", "192k",
			"-movflags", "+faststart",
		},
	},
}

// DefaultPreset is used for unknown or empty preset names.
const DefaultPreset = "storyclip_fast"

// PresetFor returns the named preset, falling back to DefaultPreset.
func PresetFor(name string) Preset {
	if p, ok := presets[name]; ok {
		return p
	}
	return presets[DefaultPreset]
}

// KnownPreset reports whether name is a defined preset.
func KnownPreset(name string) bool {
	_, ok := presets[name]
	return ok
}
