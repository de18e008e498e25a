package command

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/andrej220/logfleet/internal/domain"
)

// ProcessDir returns the remote directory of one process on machine m.
// A relative deploy root is placed under the user's home directory.
func ProcessDir(deployRoot string, m domain.Machine, processID int64) string {
	root := strings.TrimSpace(deployRoot)
	if root == "" {
		root = "logstash"
	}
	if !path.IsAbs(root) {
		home := "/home/" + m.Username
		if m.Username == "root" {
			home = "/root"
		}
		root = path.Join(home, root)
	}
	return path.Join(root, strconv.FormatInt(processID, 10))
}

// Paths is the remote file layout of one process directory.
type Paths struct {
	Dir       string
	ProcessID int64
}

func NewPaths(deployRoot string, m domain.Machine, processID int64) Paths {
	return Paths{Dir: ProcessDir(deployRoot, m, processID), ProcessID: processID}
}

func (p Paths) ConfigDir() string  { return path.Join(p.Dir, "config") }
func (p Paths) LogDir() string     { return path.Join(p.Dir, "logs") }
func (p Paths) DataDir() string    { return path.Join(p.Dir, "data") }
func (p Paths) Binary() string     { return path.Join(p.Dir, "bin", "logstash") }
func (p Paths) PIDFile() string    { return path.Join(p.Dir, "logstash.pid") }
func (p Paths) LogFile() string    { return path.Join(p.LogDir(), "logstash.out") }
func (p Paths) JVMOptions() string { return path.Join(p.ConfigDir(), "jvm.options") }
func (p Paths) SystemYAML() string { return path.Join(p.ConfigDir(), "logstash.yml") }

func (p Paths) PipelineFile() string {
	return path.Join(p.ConfigDir(), fmt.Sprintf("logstash-%d.conf", p.ProcessID))
}

func (p Paths) Package(name string) string { return path.Join(p.Dir, name) }

// BackupName is the timestamped copy made before a file is replaced.
func BackupName(file string, epochMillis int64) string {
	return fmt.Sprintf("%s.bak.%d", file, epochMillis)
}
