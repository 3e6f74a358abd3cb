// Package flows declares the built-in photo flows and registers them
// together with the tools they use.
package flows

import (
	"log/slog"

	"github.com/rendis/photoverse/internal/engine"
	"github.com/rendis/photoverse/internal/speech"
	"github.com/rendis/photoverse/internal/tools"
	"github.com/rendis/photoverse/pkg/schema"
)

// Built-in flow names.
const (
	PhotoToPoem = "photoToPoem"
	PhotoToSong = "photoToSong"
	NarratePoem = "narratePoem"
)

const photoToPoemTemplate = `You are a poet laureate, skilled at creating evocative poems inspired by images.
Consider the visual elements, mood, and story suggested by the following photos, and compose a short poem that captures their essence.
Photos:
{{#each photoUrls}}
  {{media url=this}}
{{/each}}
`

const photoToSongTemplate = `You are a songwriter, skilled at creating songs inspired by images.

Consider the visual elements, mood, and story suggested by the following photos, and compose a song that has at least two verses and a chorus. The song lyrics must have enough words to have an approximate read time of 2 minutes. If appropriate for the photos, incorporate Indian cultural elements into the song lyrics, such as references to nature, festivals, or mythology.

{{#if len(photoUrls) > 1}}Photos:{{else}}Photo:{{/if}}
{{#each photoUrls}}
  {{media url=this}}
{{/each}}
`

const narratePoemTemplate = `You are a helpful assistant designed to narrate poems using a text-to-speech tool.

The user has provided the following poem:
"""{{poem}}"""

The user has selected the following voice gender for the narration: {{voiceGender}}
The user has selected the following language for the narration: {{language}}

Use the textToSpeech tool to convert the poem to speech using the specified voice gender and language.
Since the audio is played directly, there is no URL: return the tool's message as audioUrl.
`

func photosInput() *schema.Schema {
	return schema.Object("Photos to draw inspiration from.",
		schema.Required("photoUrls", schema.Array(
			"Array of photo URLs. Must contain at least one URL.",
			schema.String("The URL of a photo, usually a data URL."),
			1,
		)),
	)
}

// Definitions returns the built-in flow definitions. Each call returns fresh
// values.
func Definitions() []*schema.FlowDefinition {
	return []*schema.FlowDefinition{
		{
			Name:        PhotoToPoem,
			Description: "Generates a short poem inspired by one or more photos.",
			Input:       photosInput(),
			Output:      schema.Object("", schema.Required("poem", schema.String("The generated poem."))),
			Template:    photoToPoemTemplate,
			OutputGuard: `size(output.poem) > 0`,
		},
		{
			Name:        PhotoToSong,
			Description: "Generates song lyrics, two verses and a chorus at least, inspired by one or more photos.",
			Input:       photosInput(),
			Output:      schema.Object("", schema.Required("song", schema.String("The generated song."))),
			Template:    photoToSongTemplate,
			OutputGuard: `size(output.song) > 0`,
		},
		{
			Name:        NarratePoem,
			Description: "Narrates a poem aloud through the textToSpeech tool.",
			Input: schema.Object("",
				schema.Required("poem", schema.String("The poem to be narrated.")),
				schema.Defaulted("voiceGender", schema.Enum("The gender of the voice to use for narration.",
					speech.GenderMale, speech.GenderFemale, speech.GenderNeutral), speech.GenderNeutral),
				schema.Defaulted("language", schema.String("The language to use for narration (e.g. en-IN, hi-IN)."),
					speech.DefaultLanguage),
			),
			Output: schema.Object("", schema.Required("audioUrl", schema.String(
				"The URL of the narrated audio. Audio is played directly, so this carries the engine's message instead."))),
			Template: narratePoemTemplate,
			Tools:    []string{speech.ToolName},
		},
	}
}

// RegisterBuiltins registers the textToSpeech tool over speaker and the
// built-in flows.
func RegisterBuiltins(flows *engine.FlowRegistry, reg *tools.Registry, speaker speech.Speaker, opts speech.Options, logger *slog.Logger) error {
	if err := reg.Register(speech.NewTool(speaker, opts, logger)); err != nil {
		return err
	}
	for _, def := range Definitions() {
		if err := flows.Register(def); err != nil {
			return err
		}
	}
	return nil
}
