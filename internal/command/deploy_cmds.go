package command

import (
	"context"
	"fmt"
	"path"

	"github.com/andrej220/logfleet/internal/domain"
)

type createDirCommand struct {
	shell
	root      string
	processID int64
}

func (c *createDirCommand) Description() string { return "create process directory" }

func (c *createDirCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)
	if err := c.mkdir(ctx, m, p.Dir, p.ConfigDir(), p.LogDir(), p.DataDir()); err != nil {
		return err
	}
	ok, err := c.dirExists(ctx, m, p.Dir)
	if err != nil || !ok {
		return fmt.Errorf("directory %s missing after mkdir: %w", p.Dir, errOrMissing(err))
	}
	return nil
}

type uploadPackageCommand struct {
	shell
	root        string
	processID   int64
	packagePath string
}

func (c *uploadPackageCommand) Description() string { return "upload package" }

func (c *uploadPackageCommand) Execute(ctx context.Context, m domain.Machine) error {
	if c.packagePath == "" {
		return fmt.Errorf("no package configured")
	}
	p := NewPaths(c.root, m, c.processID)
	remote := p.Package(path.Base(c.packagePath))
	if err := c.remote.UploadFile(ctx, m, c.packagePath, remote); err != nil {
		return err
	}
	ok, err := c.fileExists(ctx, m, remote)
	if err != nil || !ok {
		return fmt.Errorf("package %s missing after upload: %w", remote, errOrMissing(err))
	}
	return nil
}

type extractPackageCommand struct {
	shell
	root        string
	processID   int64
	packageName string
}

func (c *extractPackageCommand) Description() string { return "extract package" }

func (c *extractPackageCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)
	pkg := p.Package(c.packageName)
	cmd := fmt.Sprintf("tar -xzf %s -C %s --strip-components=1", q(pkg), q(p.Dir))
	if _, err := c.run(ctx, m, cmd); err != nil {
		return fmt.Errorf("extract %s: %w", pkg, err)
	}
	ok, err := c.fileExists(ctx, m, p.Binary())
	if err != nil || !ok {
		return fmt.Errorf("%s missing after extract: %w", p.Binary(), errOrMissing(err))
	}
	if _, err := c.run(ctx, m, "rm -f "+q(pkg)); err != nil {
		return fmt.Errorf("remove archive %s: %w", pkg, err)
	}
	return nil
}

type deleteDirCommand struct {
	shell
	root      string
	processID int64
}

func (c *deleteDirCommand) Description() string { return "delete process directory" }

func (c *deleteDirCommand) Execute(ctx context.Context, m domain.Machine) error {
	p := NewPaths(c.root, m, c.processID)
	if p.Dir == "/" || path.Dir(p.Dir) == "/" {
		return fmt.Errorf("refusing to delete %s", p.Dir)
	}
	if _, err := c.run(ctx, m, "rm -rf "+q(p.Dir)); err != nil {
		return fmt.Errorf("delete %s: %w", p.Dir, err)
	}
	gone, err := c.probe(ctx, m, fmt.Sprintf("[ ! -e %s ]", q(p.Dir)))
	if err != nil {
		return err
	}
	if !gone {
		return fmt.Errorf("directory %s still present after delete", p.Dir)
	}
	return nil
}
