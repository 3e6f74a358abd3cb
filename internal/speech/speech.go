// Package speech provides the textToSpeech tool and the voice selection
// rules it applies before handing text to a speech engine.
package speech

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/tools"
	"github.com/rendis/photoverse/pkg/schema"
)

// ToolName is the registered name of the speech tool.
const ToolName = "textToSpeech"

// PlayedMessage is what the tool reports back: audio is played by the
// engine, no file or URL is produced.
const PlayedMessage = "Audio played directly by the speech engine."

// Voice genders accepted by the tool.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderNeutral = "neutral"
)

// DefaultLanguage is used when a request names no language.
const DefaultLanguage = "en-IN"

// Utterance is one request to the speech engine.
type Utterance struct {
	Text     string
	Voice    string
	Language string
	Pitch    float64
	Rate     float64
	Volume   float64
}

// Speaker plays utterances. Implementations need not be safe for concurrent
// use; the tool is registered as exclusive.
type Speaker interface {
	Speak(ctx context.Context, u Utterance) error
}

// SpeakerFunc adapts a function to Speaker.
type SpeakerFunc func(ctx context.Context, u Utterance) error

func (f SpeakerFunc) Speak(ctx context.Context, u Utterance) error { return f(ctx, u) }

// Options configures voice selection.
type Options struct {
	// NeutralVoice is the gender suffix used for neutral requests
	// ("female" when empty).
	NeutralVoice string
}

func (o Options) neutral() string {
	if o.NeutralVoice == "" {
		return GenderFemale
	}
	return o.NeutralVoice
}

// VoiceFor maps a gender and a BCP-47 language tag to an engine voice name:
// the primary language subtag followed by the gender, e.g. "enmale".
func VoiceFor(gender, language string, opts Options) string {
	if language == "" {
		language = DefaultLanguage
	}
	lang, _, _ := strings.Cut(language, "-")
	switch gender {
	case GenderMale:
		return lang + GenderMale
	case GenderFemale:
		return lang + GenderFemale
	default:
		return lang + opts.neutral()
	}
}

// InputSchema is the argument contract of the speech tool.
func InputSchema() *schema.Schema {
	return schema.Object("Text to speak and the voice to speak it with.",
		schema.Required("text", schema.String("The text to convert to speech.")),
		schema.Required("voiceGender", schema.Enum("The gender of the voice to use.", GenderMale, GenderFemale, GenderNeutral)),
		schema.Defaulted("language", schema.String("The language of the text, as a BCP-47 tag."), DefaultLanguage),
	)
}

// NewTool builds the exclusive textToSpeech tool over speaker.
func NewTool(speaker Speaker, opts Options, logger *slog.Logger) *tools.Definition {
	logger = logging.OrDefault(logger)
	return &tools.Definition{
		Name:        ToolName,
		Description: "Converts text to speech using a specified voice gender and language.",
		Input:       InputSchema(),
		Output:      schema.String("A status message; audio is played directly."),
		Exclusive:   true,
		Impl: func(ctx context.Context, input any) (any, error) {
			args := input.(map[string]any)
			text := args["text"].(string)
			gender := args["voiceGender"].(string)
			language, _ := args["language"].(string)

			u := Utterance{
				Text:     text,
				Voice:    VoiceFor(gender, language, opts),
				Language: language,
				Pitch:    1,
				Rate:     1,
				Volume:   1,
			}
			logger.InfoContext(ctx, "speaking", slog.String("voice", u.Voice), slog.Int("chars", len(text)))
			if err := speaker.Speak(ctx, u); err != nil {
				return nil, err
			}
			return PlayedMessage, nil
		},
	}
}

// LogSpeaker is a Speaker that only logs what it would say. It stands in for
// a real engine in the CLI.
type LogSpeaker struct {
	Logger *slog.Logger
}

func (s LogSpeaker) Speak(ctx context.Context, u Utterance) error {
	logging.OrDefault(s.Logger).InfoContext(ctx, "utterance",
		slog.String("voice", u.Voice),
		slog.String("language", u.Language),
		slog.String("text", u.Text))
	return ctx.Err()
}
