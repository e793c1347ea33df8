package render

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"

	"rendermill/internal/fileutil"
	"rendermill/internal/services"
)

//go:embed mixdown.py
var mixdownScript []byte

// ScriptProvider resolves the on-disk path of the mixdown helper script that
// the render binary executes.
type ScriptProvider interface {
	MixdownScript() (string, error)
}

// DataDirScripts materializes the embedded helper scripts beneath a data
// directory and hands out their paths. The script is rewritten when its
// content drifts from the embedded copy, so upgrades take effect without
// manual cleanup.
type DataDirScripts struct {
	Dir string
}

func (d DataDirScripts) MixdownScript() (string, error) {
	dir := filepath.Join(d.Dir, "scripts")
	if err := fileutil.EnsureDir(dir); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "scripts", "deploy", "create script directory", err)
	}
	path := filepath.Join(dir, "mixdown.py")
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, mixdownScript) {
		return path, nil
	}
	if err := os.WriteFile(path, mixdownScript, 0o644); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "scripts", "deploy", "write mixdown script", err)
	}
	return path, nil
}
