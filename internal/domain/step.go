package domain

// StepKind identifies one kind of remote work tracked per machine.
type StepKind string

const (
	StepCreateRemoteDir    StepKind = "CREATE_REMOTE_DIR"
	StepUploadPackage      StepKind = "UPLOAD_PACKAGE"
	StepExtractPackage     StepKind = "EXTRACT_PACKAGE"
	StepCreateConfig       StepKind = "CREATE_CONFIG"
	StepModifyConfig       StepKind = "MODIFY_CONFIG"
	StepStartProcess       StepKind = "START_PROCESS"
	StepVerifyProcess      StepKind = "VERIFY_PROCESS"
	StepStopProcess        StepKind = "STOP_PROCESS"
	StepUpdateMainConfig   StepKind = "UPDATE_MAIN_CONFIG"
	StepUpdateJVMConfig    StepKind = "UPDATE_JVM_CONFIG"
	StepUpdateSystemConfig StepKind = "UPDATE_SYSTEM_CONFIG"
	StepRefreshConfig      StepKind = "REFRESH_CONFIG"
	StepDeleteDirectory    StepKind = "DELETE_DIRECTORY"
)

var stepNames = map[StepKind]string{
	StepCreateRemoteDir:    "Create remote directory",
	StepUploadPackage:      "Upload package",
	StepExtractPackage:     "Extract package",
	StepCreateConfig:       "Create pipeline config",
	StepModifyConfig:       "Write JVM and system config",
	StepStartProcess:       "Start process",
	StepVerifyProcess:      "Verify process",
	StepStopProcess:        "Stop process",
	StepUpdateMainConfig:   "Update pipeline config",
	StepUpdateJVMConfig:    "Update jvm.options",
	StepUpdateSystemConfig: "Update logstash.yml",
	StepRefreshConfig:      "Refresh config",
	StepDeleteDirectory:    "Delete process directory",
}

// Name is the human readable step name stored alongside the kind.
func (k StepKind) Name() string {
	if n, ok := stepNames[k]; ok {
		return n
	}
	return string(k)
}

// Known reports whether k is one of the defined step kinds.
func (k StepKind) Known() bool {
	_, ok := stepNames[k]
	return ok
}

var (
	InitializeSteps = []StepKind{StepCreateRemoteDir, StepUploadPackage, StepExtractPackage, StepCreateConfig, StepModifyConfig}
	StartSteps      = []StepKind{StepStartProcess, StepVerifyProcess}
	StopSteps       = []StepKind{StepStopProcess}
	RestartSteps    = []StepKind{StepStopProcess, StepStartProcess, StepVerifyProcess}
	RefreshSteps    = []StepKind{StepRefreshConfig}
)
