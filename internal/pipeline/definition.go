package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/task-scheduler/internal/handler"
	"github.com/t77yq/task-scheduler/internal/model"
)

// Duration decodes either a Go duration string ("1m30s") or a bare number of seconds
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// ContainerStep runs the step inside a container
type ContainerStep struct {
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
	Pull    bool     `yaml:"pull"`
}

// Step is one task of a pipeline
type Step struct {
	Command      string                 `yaml:"command"`
	Args         []string               `yaml:"args"`
	Shell        bool                   `yaml:"shell"`
	ScriptPath   string                 `yaml:"script_path"`
	Interpreter  string                 `yaml:"interpreter"`
	Container    *ContainerStep         `yaml:"container"`
	HTTP         *handler.HTTPRequest   `yaml:"http"`
	File         *handler.FileOperation `yaml:"file"`
	WorkingDir   string                 `yaml:"working_dir"`
	Env          map[string]string      `yaml:"env"`
	Timeout      Duration               `yaml:"timeout"`
	RetryLimit   int                    `yaml:"retry_limit"`
	RetryDelay   Duration               `yaml:"retry_delay"`
	Priority     string                 `yaml:"priority"`
	Dependencies []string               `yaml:"dependencies"`
	CPUHint      float64                `yaml:"cpu_hint"`
	MemoryHintMB float64                `yaml:"memory_hint_mb"`
}

// Definition is a named set of steps executed under one mode
type Definition struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"`
	// Schedule is an optional cron expression used by long-running processes.
	Schedule string          `yaml:"schedule"`
	Steps    map[string]Step `yaml:"steps"`
}

// Load reads a pipeline definition from a YAML file
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a pipeline definition. Unknown keys are rejected.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty pipeline definition")
		}
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	if def.Mode == "" {
		def.Mode = string(model.ExecutionModePipeline)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition without touching a scheduler
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("pipeline %s has no steps", d.Name)
	}
	if _, err := model.ParseExecutionMode(d.Mode); err != nil {
		return fmt.Errorf("pipeline %s: %w", d.Name, err)
	}
	_, err := d.Descriptors(zap.NewNop())
	return err
}

// ExecutionMode returns the mode the pipeline runs under
func (d *Definition) ExecutionMode() model.ExecutionMode {
	return model.ExecutionMode(d.Mode)
}

// CronSchedule returns a schedule running the steps in order, or nil when the
// definition has no schedule
func (d *Definition) CronSchedule(order []string) *model.CronSchedule {
	if d.Schedule == "" {
		return nil
	}
	return &model.CronSchedule{
		ID:         d.Name,
		Name:       d.Name,
		Expression: d.Schedule,
		Tasks:      order,
		Mode:       d.ExecutionMode(),
	}
}

// StepNames returns the step names, sorted
func (d *Definition) StepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for name := range d.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors converts every step into a task descriptor, ordered by step name.
// logger is handed to the built-in http and file step bodies.
func (d *Definition) Descriptors(logger *zap.Logger) ([]*model.TaskDescriptor, error) {
	httpHandler := handler.NewHTTPRequestHandler(logger)

	descs := make([]*model.TaskDescriptor, 0, len(d.Steps))
	for _, name := range d.StepNames() {
		desc, err := d.Steps[name].descriptor(name, httpHandler, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", d.Name, err)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// kinds counts how many step bodies are declared
func (s Step) kinds() int {
	n := 0
	if s.Command != "" || s.ScriptPath != "" {
		n++
	}
	if s.Container != nil {
		n++
	}
	if s.HTTP != nil {
		n++
	}
	if s.File != nil {
		n++
	}
	return n
}

func (s Step) descriptor(name string, httpHandler *handler.HTTPRequestHandler, logger *zap.Logger) (*model.TaskDescriptor, error) {
	priority, err := model.ParsePriority(s.Priority)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}
	if s.kinds() > 1 {
		return nil, fmt.Errorf("step %s: only one of command, script_path, container, http or file may be set", name)
	}

	var runnable model.Runnable
	switch {
	case s.HTTP != nil:
		if err := s.HTTP.Validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", name, err)
		}
		runnable = &model.CallbackSpec{Func: httpHandler.Callback(*s.HTTP)}
	case s.File != nil:
		if err := s.File.Validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", name, err)
		}
		files, err := handler.NewFileOperationHandler(logger, s.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", name, err)
		}
		runnable = &model.CallbackSpec{Func: files.Callback(*s.File)}
	case s.Container != nil:
		runnable = &model.ContainerSpec{
			Image:   s.Container.Image,
			Command: s.Container.Command,
			Pull:    s.Container.Pull,
		}
	default:
		runnable = &model.CommandSpec{
			Command:     s.Command,
			Args:        s.Args,
			ScriptPath:  s.ScriptPath,
			Interpreter: s.Interpreter,
			Shell:       s.Shell,
		}
	}

	desc := &model.TaskDescriptor{
		Name:         name,
		Runnable:     runnable,
		WorkingDir:   s.WorkingDir,
		Env:          s.Env,
		Timeout:      time.Duration(s.Timeout),
		RetryLimit:   s.RetryLimit,
		RetryDelay:   time.Duration(s.RetryDelay),
		Priority:     priority,
		Dependencies: s.Dependencies,
		Hints: model.ResourceHints{
			CPUPercent: s.CPUHint,
			MemoryMB:   s.MemoryHintMB,
		},
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}
