package command

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/executor"
	"github.com/andrej220/logfleet/pkg/lg"
)

// Config holds the remote path conventions commands are bound to.
type Config struct {
	DeployRoot  string  `yaml:"deploy_root" json:"deploy_root"`
	PackagePath string  `yaml:"package_path" json:"package_path"`
	Timings     Timings `yaml:"timings" json:"timings"`
}

// Payload carries operation data a command is bound to at construction.
type Payload struct {
	Config domain.ConfigSet
}

// Factory maps a step kind and process id to a bound Command. Construction
// does no I/O.
type Factory struct {
	cfg     Config
	sh      shell
	pids    PIDRecorder
	configs ConfigSource
	logger  lg.Logger
}

func NewFactory(cfg Config, remote executor.RemoteExecutor, pids PIDRecorder, configs ConfigSource, logger lg.Logger) *Factory {
	cfg.Timings = cfg.Timings.withDefaults()
	return &Factory{
		cfg:     cfg,
		sh:      shell{remote: remote, now: time.Now},
		pids:    pids,
		configs: configs,
		logger:  logger,
	}
}

// WithClock returns a copy of f whose commands stamp temp and backup files
// using now.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	c := *f
	c.sh.now = now
	return &c
}

func (f *Factory) Command(kind domain.StepKind, processID int64, p Payload) (Command, error) {
	root := f.cfg.DeployRoot
	switch kind {
	case domain.StepCreateRemoteDir:
		return &createDirCommand{shell: f.sh, root: root, processID: processID}, nil
	case domain.StepUploadPackage:
		return &uploadPackageCommand{shell: f.sh, root: root, processID: processID, packagePath: f.cfg.PackagePath}, nil
	case domain.StepExtractPackage:
		return &extractPackageCommand{shell: f.sh, root: root, processID: processID, packageName: path.Base(f.cfg.PackagePath)}, nil
	case domain.StepCreateConfig:
		return &createConfigCommand{shell: f.sh, root: root, processID: processID, content: p.Config.Pipeline, logger: f.logger}, nil
	case domain.StepModifyConfig:
		return f.writeConfig(processID, false, map[configFile]string{
			jvmOptionsFile: p.Config.JVMOptions,
			systemYAMLFile: p.Config.SystemYAML,
		}), nil
	case domain.StepUpdateMainConfig:
		return f.writeConfig(processID, true, map[configFile]string{pipelineFile: p.Config.Pipeline}), nil
	case domain.StepUpdateJVMConfig:
		return f.writeConfig(processID, true, map[configFile]string{jvmOptionsFile: p.Config.JVMOptions}), nil
	case domain.StepUpdateSystemConfig:
		return f.writeConfig(processID, true, map[configFile]string{systemYAMLFile: p.Config.SystemYAML}), nil
	case domain.StepRefreshConfig:
		return &refreshConfigCommand{shell: f.sh, root: root, processID: processID, source: f.configs}, nil
	case domain.StepStartProcess:
		return &startCommand{f.process(processID)}, nil
	case domain.StepVerifyProcess:
		return &verifyCommand{f.process(processID)}, nil
	case domain.StepStopProcess:
		return &stopCommand{f.process(processID)}, nil
	case domain.StepDeleteDirectory:
		return &deleteDirCommand{shell: f.sh, root: root, processID: processID}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, kind)
	}
}

// Alive reports whether pid is a live process on m.
func (f *Factory) Alive(ctx context.Context, m domain.Machine, pid string) (bool, error) {
	return f.sh.alive(ctx, m, pid)
}

func (f *Factory) writeConfig(processID int64, required bool, files map[configFile]string) Command {
	return &writeConfigCommand{shell: f.sh, root: f.cfg.DeployRoot, processID: processID, files: files, required: required}
}

func (f *Factory) process(processID int64) processCommand {
	return processCommand{
		shell:     f.sh,
		root:      f.cfg.DeployRoot,
		processID: processID,
		timings:   f.cfg.Timings,
		pids:      f.pids,
		logger:    f.logger,
	}
}
