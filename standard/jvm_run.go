package standard

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// AgentVersion is reported with every poll and upload.
const AgentVersion = "1.0.0"

// JvmRun identifies one lifetime of the monitored process.
// Created once at startup; only DumpedAtMillis changes afterwards.
type JvmRun struct {
	UUID            string `json:"uuid"`
	HostName        string `json:"hostName"`
	PID             int    `json:"pid"`
	StartedAtMillis int64  `json:"startedAtMillis"`
	DumpedAtMillis  int64  `json:"dumpedAtMillis"`
	AppName         string `json:"appName"`
	AppVersion      string `json:"appVersion"`
	Environment     string `json:"environment"`
	AgentVersion    string `json:"agentVersion"`
}

// NewJvmRun creates the run identity with auto-detected host information.
func NewJvmRun(appName, appVersion, environment string) JvmRun {
	hostName, err := os.Hostname()
	if err != nil || hostName == "" {
		hostName = "unknown"
	}
	now := time.Now().UnixMilli()

	return JvmRun{
		UUID:            uuid.Must(uuid.NewV7()).String(),
		HostName:        hostName,
		PID:             os.Getpid(),
		StartedAtMillis: now,
		DumpedAtMillis:  now,
		AppName:         appName,
		AppVersion:      appVersion,
		Environment:     environment,
		AgentVersion:    AgentVersion,
	}
}

// Dumped returns a copy stamped with the time of the current publish cycle.
func (r JvmRun) Dumped(nowMillis int64) JvmRun {
	r.DumpedAtMillis = nowMillis
	return r
}
