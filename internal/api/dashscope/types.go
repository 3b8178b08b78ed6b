package dashscope

// GenerationRequest is the body of the native multimodal generation endpoint.
type GenerationRequest struct {
	Model      string     `json:"model"`
	Input      Input      `json:"input"`
	Parameters Parameters `json:"parameters"`
}

// Input holds the conversation.
type Input struct {
	Messages []Message `json:"messages"`
}

// Message is one turn. Every message carries a list of content items.
type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

// Content is either an image reference or a text segment.
type Content struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Parameters tune generation. IncrementalOutput makes each streamed frame
// carry only the new text instead of the whole answer so far.
type Parameters struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	IncrementalOutput bool     `json:"incremental_output,omitempty"`
}
