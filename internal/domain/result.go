package domain

// ImageResult is a single generated image fetched from ComfyUI's view
// endpoint.
type ImageResult struct {
	FileName  string
	Subfolder string
	MIMEType  string
	Data      []byte
}

// GenerationResult is the gateway client's output for one prompt: the remote
// prompt id, the downloaded images in output order, and the raw history
// entry as returned by ComfyUI.
type GenerationResult struct {
	PromptID string
	Images   []ImageResult
	History  map[string]any
}
