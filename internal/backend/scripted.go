// Package backend provides a deterministic ModelClient that replays a
// script of rounds. It stands in for a generative model in the CLI, in
// demos and in tests; it never reaches the network.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/photoverse/internal/engine"
	"github.com/rendis/photoverse/internal/expressions"
	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/pkg/schema"
)

// ErrNoScript is returned for a flow the script has no rounds for.
var ErrNoScript = errors.New("no script for flow")

// A script maps flow names to rounds; "default" serves every other flow.
//
//	flows:
//	  narratePoem:
//	    - tool: textToSpeech
//	      arguments_jq: '{text: .segments[0].text, voiceGender: "female"}'
//	    - final_jq: '{audioUrl: .history[-1].output}'
//	default:
//	  - final: {poem: "Light on water"}
//
// Round i of an invocation answers the request made after i tool calls; the
// last round repeats once the script runs out. jq programs see the model
// request as JSON.
type scriptDoc struct {
	Flows   map[string][]roundDoc `yaml:"flows"`
	Default []roundDoc            `yaml:"default"`
}

type roundDoc struct {
	Tool        string    `yaml:"tool"`
	Arguments   yaml.Node `yaml:"arguments"`
	ArgumentsJQ string    `yaml:"arguments_jq"`
	Final       yaml.Node `yaml:"final"`
	FinalJQ     string    `yaml:"final_jq"`
	Error       string    `yaml:"error"`
}

type round struct {
	tool        string
	arguments   any
	argumentsJQ string
	final       any
	finalJQ     string
	err         string
}

// Scripted is a ModelClient replaying a script. It is safe for concurrent
// use; rounds are chosen from the request alone.
type Scripted struct {
	flows    map[string][]round
	fallback []round
	jq       *expressions.GoJQEngine
	logger   *slog.Logger
}

// NewScripted parses a YAML (or JSON) script. jq programs are compiled up
// front, so a script that parses never fails on syntax later.
func NewScripted(data []byte, logger *slog.Logger) (*Scripted, error) {
	var doc scriptDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unreadable backend script: %s", err.Error()).WithCause(err)
	}
	if len(doc.Flows) == 0 && len(doc.Default) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "backend script has no rounds")
	}

	s := &Scripted{
		flows:  make(map[string][]round, len(doc.Flows)),
		jq:     expressions.NewGoJQEngine(),
		logger: logging.OrDefault(logger),
	}
	for name, docs := range doc.Flows {
		rounds, err := s.compile(docs, "flows."+name)
		if err != nil {
			return nil, err
		}
		s.flows[name] = rounds
	}
	fallback, err := s.compile(doc.Default, "default")
	if err != nil {
		return nil, err
	}
	s.fallback = fallback
	return s, nil
}

// LoadScript reads and parses the script at path.
func LoadScript(path string, logger *slog.Logger) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backend script: %w", err)
	}
	return NewScripted(data, logger)
}

func (s *Scripted) compile(docs []roundDoc, path string) ([]round, error) {
	rounds := make([]round, 0, len(docs))
	for i, d := range docs {
		at := schema.IndexPath(path, i)
		invalid := func(format string, args ...any) error {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", at, fmt.Sprintf(format, args...))
		}

		kinds := 0
		for _, set := range []bool{d.Tool != "", d.Final.Kind != 0, d.FinalJQ != "", d.Error != ""} {
			if set {
				kinds++
			}
		}
		if kinds != 1 {
			return nil, invalid("a round needs exactly one of tool, final, final_jq or error")
		}
		if d.Tool == "" && (d.Arguments.Kind != 0 || d.ArgumentsJQ != "") {
			return nil, invalid("arguments are only allowed with tool")
		}
		if d.Arguments.Kind != 0 && d.ArgumentsJQ != "" {
			return nil, invalid("use either arguments or arguments_jq")
		}

		r := round{tool: d.Tool, argumentsJQ: d.ArgumentsJQ, finalJQ: d.FinalJQ, err: d.Error}
		if d.Arguments.Kind != 0 {
			if err := d.Arguments.Decode(&r.arguments); err != nil {
				return nil, invalid("unreadable arguments: %s", err.Error())
			}
		}
		if d.Final.Kind != 0 {
			if err := d.Final.Decode(&r.final); err != nil {
				return nil, invalid("unreadable final payload: %s", err.Error())
			}
		}
		for _, program := range []string{r.argumentsJQ, r.finalJQ} {
			if program == "" {
				continue
			}
			if err := s.jq.Check(program); err != nil {
				return nil, invalid("%s", err.Error())
			}
		}
		rounds = append(rounds, r)
	}
	return rounds, nil
}

// Complete answers req with the scripted round for its flow and round number.
func (s *Scripted) Complete(ctx context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
	rounds, ok := s.flows[req.Flow]
	if !ok {
		rounds = s.fallback
	}
	if len(rounds) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoScript, req.Flow)
	}
	r := rounds[min(req.Round, len(rounds)-1)]

	logger := logging.LogWith(ctx, s.logger)
	switch {
	case r.err != "":
		logger.DebugContext(ctx, "scripted failure", slog.Int("round", req.Round))
		return nil, errors.New(r.err)

	case r.tool != "":
		args := r.arguments
		if r.argumentsJQ != "" {
			v, err := s.jq.EvaluateValue(ctx, r.argumentsJQ, req)
			if err != nil {
				return nil, err
			}
			args = v
		}
		logger.DebugContext(ctx, "scripted tool call", slog.Int("round", req.Round), slog.String("tool", r.tool))
		return engine.CallTool(r.tool, args), nil

	case r.finalJQ != "":
		v, err := s.jq.EvaluateValue(ctx, r.finalJQ, req)
		if err != nil {
			return nil, err
		}
		logger.DebugContext(ctx, "scripted final response", slog.Int("round", req.Round))
		return engine.Final(v), nil

	default:
		logger.DebugContext(ctx, "scripted final response", slog.Int("round", req.Round))
		return engine.Final(r.final), nil
	}
}

var _ engine.ModelClient = (*Scripted)(nil)
