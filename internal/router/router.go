// Package router implements the Model Router: a pure decision function from
// upload metadata and deployment policy to a target transcription queue.
package router

import (
	"strings"

	"klipnote/internal/models"
)

// chineseHints is the case-insensitive language_hint set routed to belle2.
var chineseHints = map[string]bool{
	"zh":       true,
	"zh-cn":    true,
	"zh-tw":    true,
	"cmn":      true,
	"mandarin": true,
}

// Route decides which model queue an upload is admitted to. configuredDefault
// is the deployment's DefaultTranscriptionModel setting; pass "auto" to defer
// to the language_hint rule.
//
// Policy, evaluated in order:
//  1. configuredDefault pinned to belle2 or whisperx wins outright.
//  2. languageHint in the Chinese set routes to belle2.
//  3. Otherwise whisperx.
//
// No I/O, no shared state — safe to call from any goroutine.
func Route(languageHint string, configuredDefault models.Model) models.Model {
	switch configuredDefault {
	case models.ModelBelle2, models.ModelWhisperX:
		return configuredDefault
	}

	if chineseHints[strings.ToLower(strings.TrimSpace(languageHint))] {
		return models.ModelBelle2
	}

	return models.ModelWhisperX
}
