package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"
)

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Gofulmen  string `json:"gofulmen_version,omitempty"`
	Crucible  string `json:"crucible_version,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records the build metadata reported by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	resp := versionInfo
	versionMu.RUnlock()

	resp.GoVersion = runtime.Version()
	v := crucible.GetVersion()
	resp.Gofulmen = v.Gofulmen
	resp.Crucible = v.Crucible
	writeJSON(w, http.StatusOK, resp)
}
