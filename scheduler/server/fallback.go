package server

import (
	"fmt"
	"strings"

	"github.com/twitter/gpusched/scheduler/domain"
)

// Stock assets handed out when image or tts retries are exhausted.
// Deployments with real assets supply their own FallbackProvider.
var (
	DefaultImageAsset = []byte("\x89PNG\r\n\x1a\n")
	DefaultVoiceClip  = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")
)

// defaultFallbacks answers llm jobs with a rule based reply built from the
// payload, image with a stock asset and tts with a default voice clip.
// render has no fallback.
type defaultFallbacks struct{}

func NewDefaultFallbacks() domain.FallbackProvider {
	return defaultFallbacks{}
}

func (defaultFallbacks) Fallback(job domain.Job) (domain.Output, bool) {
	switch job.Type {
	case domain.LLM:
		return domain.Output{
			Data:        []byte(ruleBasedReply(string(job.Payload))),
			ContentType: "text/plain",
			Fallback:    true,
		}, true
	case domain.Image:
		return domain.Output{Data: DefaultImageAsset, ContentType: "image/png", Fallback: true}, true
	case domain.TTS:
		return domain.Output{Data: DefaultVoiceClip, ContentType: "audio/wav", Fallback: true}, true
	}
	return domain.Output{}, false
}

func ruleBasedReply(prompt string) string {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "translate"):
		return "Translation is temporarily unavailable. Please resubmit the text to translate shortly."
	case strings.Contains(lower, "code"):
		return "Code generation is temporarily unavailable. Please try again shortly."
	case strings.Contains(lower, "?"):
		return fmt.Sprintf("We couldn't generate a full answer to %q right now. Please ask again shortly.", truncate(prompt, 80))
	}
	return "The assistant is busy right now. Your request was received but could not be completed."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
