// Package loader reads flow definitions from YAML or JSON documents.
//
// A document lists flows; schemas use a compact dialect:
//
//	flows:
//	  - name: photoToHaiku
//	    input:
//	      type: object
//	      fields:
//	        - {name: photoUrls, type: array, min_items: 1, items: {type: string}}
//	    output:
//	      type: object
//	      fields:
//	        - {name: haiku, type: string}
//	    template: "Write a haiku. {{#each photoUrls}}{{media url=this}}{{/each}}"
//
// Documents are checked against an embedded JSON Schema before conversion.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/photoverse/internal/engine"
	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/validation"
	"github.com/rendis/photoverse/pkg/schema"
)

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml", ".json"}

type document struct {
	Flows []flowDoc `yaml:"flows"`
}

type flowDoc struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Input         nodeDoc  `yaml:"input"`
	Output        nodeDoc  `yaml:"output"`
	Template      string   `yaml:"template"`
	Tools         []string `yaml:"tools"`
	OutputGuard   string   `yaml:"output_guard"`
	MaxToolRounds int      `yaml:"max_tool_rounds"`
}

type nodeDoc struct {
	Type        string     `yaml:"type"`
	Description string     `yaml:"description"`
	Values      []string   `yaml:"values"`
	Items       *nodeDoc   `yaml:"items"`
	MinItems    int        `yaml:"min_items"`
	Fields      []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	nodeDoc  `yaml:",inline"`
	Name     string    `yaml:"name"`
	Optional bool      `yaml:"optional"`
	Default  yaml.Node `yaml:"default"`
}

// Loader turns definition documents into flow definitions.
type Loader struct {
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// New creates a Loader. A nil logger uses slog.Default().
func New(logger *slog.Logger) (*Loader, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{validator: v, logger: logging.OrDefault(logger)}, nil
}

// Parse decodes one document. YAML is accepted, and JSON as its subset.
// The document is validated as a whole before any flow is converted.
func (l *Loader) Parse(data []byte) ([]*schema.FlowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition document is empty")
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition document is not valid YAML or JSON: %s", err.Error()).
			WithCause(err)
	}
	if err := l.validator.ValidateDocument(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to decode definition document").WithCause(err)
	}

	defs := make([]*schema.FlowDefinition, 0, len(doc.Flows))
	for i, fd := range doc.Flows {
		def, err := fd.definition(fmt.Sprintf("flows[%d]", i))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile parses the document at path.
func (l *Loader) LoadFile(path string) ([]*schema.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	defs, err := l.Parse(data)
	if err != nil {
		var e *schema.Error
		if errors.As(err, &e) {
			return nil, e.WithDetails(map[string]any{"file": path})
		}
		return nil, err
	}
	l.logger.Debug("definition file loaded", slog.String("file", path), slog.Int("flows", len(defs)))
	return defs, nil
}

// LoadDir parses every definition file directly inside dir, in name order.
func (l *Loader) LoadDir(dir string) ([]*schema.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definition dir: %w", err)
	}
	var defs []*schema.FlowDefinition
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(Extensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		fileDefs, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

// Register loads path, a file or a directory, and registers every flow in
// it. Nothing is registered when any document fails to load or any flow
// fails to register.
func (l *Loader) Register(flows *engine.FlowRegistry, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat definitions: %w", err)
	}

	var defs []*schema.FlowDefinition
	if info.IsDir() {
		defs, err = l.LoadDir(path)
	} else {
		defs, err = l.LoadFile(path)
	}
	if err != nil {
		return 0, err
	}

	if err := flows.RegisterAll(defs...); err != nil {
		return 0, err
	}
	l.logger.Info("flow definitions registered", slog.String("path", path), slog.Int("flows", len(defs)))
	return len(defs), nil
}

func (fd flowDoc) definition(path string) (*schema.FlowDefinition, error) {
	input, err := fd.Input.schema(schema.JoinPath(path, "input"))
	if err != nil {
		return nil, err
	}
	output, err := fd.Output.schema(schema.JoinPath(path, "output"))
	if err != nil {
		return nil, err
	}
	return &schema.FlowDefinition{
		Name:          fd.Name,
		Description:   fd.Description,
		Input:         input,
		Output:        output,
		Template:      fd.Template,
		Tools:         fd.Tools,
		OutputGuard:   fd.OutputGuard,
		MaxToolRounds: fd.MaxToolRounds,
	}, nil
}

func (n *nodeDoc) schema(path string) (*schema.Schema, error) {
	if n == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: schema is missing", path)
	}
	s := &schema.Schema{
		Kind:        schema.Kind(n.Type),
		Description: n.Description,
	}
	switch s.Kind {
	case schema.KindEnum:
		s.Values = slices.Clone(n.Values)
	case schema.KindArray:
		items, err := n.Items.schema(schema.JoinPath(path, "items"))
		if err != nil {
			return nil, err
		}
		s.Items = items
		s.MinItems = n.MinItems
	case schema.KindObject:
		seen := make(map[string]struct{}, len(n.Fields))
		for i, fd := range n.Fields {
			fieldPath := schema.IndexPath(schema.JoinPath(path, "fields"), i)
			if _, dup := seen[fd.Name]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: field %q declared twice", fieldPath, fd.Name)
			}
			seen[fd.Name] = struct{}{}

			field, err := fd.field(fieldPath)
			if err != nil {
				return nil, err
			}
			s.Fields = append(s.Fields, field)
		}
	}
	return s, nil
}

func (fd *fieldDoc) field(path string) (schema.Field, error) {
	s, err := fd.nodeDoc.schema(path)
	if err != nil {
		return schema.Field{}, err
	}
	if fd.Default.Kind == 0 {
		if fd.Optional {
			return schema.Optional(fd.Name, s), nil
		}
		return schema.Required(fd.Name, s), nil
	}

	var raw any
	if err := fd.Default.Decode(&raw); err != nil {
		return schema.Field{}, schema.NewErrorf(schema.ErrCodeValidation, "%s: unreadable default", path).WithCause(err)
	}
	def, errs := validation.Validate(s, raw)
	if len(errs) > 0 {
		return schema.Field{}, schema.NewErrorf(schema.ErrCodeValidation, "%s: default does not match the field schema: %s",
			path, errs.Summary()).WithFieldErrors(errs)
	}
	return schema.Defaulted(fd.Name, s, def), nil
}
