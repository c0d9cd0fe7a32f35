package whisper

// Config captures runtime settings for whisper.cpp.
type Config struct {
	// Binary is the whisper.cpp CLI (whisper-cli or main).
	Binary string
	// ModelsDir holds ggml model files named <model>.bin.
	ModelsDir string
	// Language is passed with -l; empty means auto.
	Language string
	// Threads is passed with -t when positive.
	Threads int
}

// DefaultBinary is used when Config.Binary is empty.
const DefaultBinary = "whisper-cli"
