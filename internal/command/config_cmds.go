package command

import (
	"context"
	"fmt"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/pkg/lg"
)

// configFile selects one of the three files a Logstash instance reads.
type configFile int

const (
	pipelineFile configFile = iota
	jvmOptionsFile
	systemYAMLFile
)

func (f configFile) path(p Paths) string {
	switch f {
	case jvmOptionsFile:
		return p.JVMOptions()
	case systemYAMLFile:
		return p.SystemYAML()
	default:
		return p.PipelineFile()
	}
}

func (f configFile) String() string {
	switch f {
	case jvmOptionsFile:
		return "jvm.options"
	case systemYAMLFile:
		return "logstash.yml"
	default:
		return "pipeline config"
	}
}

// createConfigCommand writes the pipeline file at initialization unless one
// is already there.
type createConfigCommand struct {
	shell
	root      string
	processID int64
	content   string
	logger    lg.Logger
}

func (c *createConfigCommand) Description() string { return "create pipeline config" }

func (c *createConfigCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)
	target := p.PipelineFile()
	exists, err := c.fileExists(ctx, m, target)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Info("pipeline config already present", lg.String("machine", m.String()), lg.String("path", target))
		return nil
	}
	if c.content == "" {
		c.logger.Warn("no pipeline config to write", lg.String("machine", m.String()))
		return nil
	}
	return c.writeFile(ctx, m, target, c.content)
}

// writeConfigCommand replaces the given config files, skipping empty texts.
type writeConfigCommand struct {
	shell
	root      string
	processID int64
	files     map[configFile]string
	required  bool
}

func (c *writeConfigCommand) Description() string { return "write config" }

func (c *writeConfigCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)
	written := 0
	for _, f := range []configFile{pipelineFile, jvmOptionsFile, systemYAMLFile} {
		content, ok := c.files[f]
		if !ok || content == "" {
			continue
		}
		if err := c.writeFile(ctx, m, f.path(p), content); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		written++
	}
	if written == 0 && c.required {
		return ErrEmptyContent
	}
	return nil
}

// refreshConfigCommand rewrites every config file from the stored texts,
// read when the command runs.
type refreshConfigCommand struct {
	shell
	root      string
	processID int64
	source    ConfigSource
}

func (c *refreshConfigCommand) Description() string { return "refresh config" }

func (c *refreshConfigCommand) Execute(ctx context.Context, m domain.Machine) error {
	if c.source == nil {
		return fmt.Errorf("no config source")
	}
	cfg, err := c.source.EffectiveConfig(ctx, c.processID, m.ID)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	w := &writeConfigCommand{
		shell:     c.shell,
		root:      c.root,
		processID: c.processID,
		files: map[configFile]string{
			pipelineFile:   cfg.Pipeline,
			jvmOptionsFile: cfg.JVMOptions,
			systemYAMLFile: cfg.SystemYAML,
		},
		required: true,
	}
	return w.Execute(ctx, m)
}
