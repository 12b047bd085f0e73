package model

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

// ErrNoModels means transcription cannot proceed until a model is
// downloaded.
var ErrNoModels = errors.New("no installed model available")

// Descriptor identifies one speech model artifact.
type Descriptor struct {
	FileName    string
	Label       string
	Quality     string
	DownloadURL string
	SHA256      string
}

const huggingFaceBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// knownModels is the built-in catalog in preference order: when no active
// model is configured the first installed entry wins.
var knownModels = []Descriptor{
	{FileName: "ggml-large-v3-turbo-q5_0.bin", Label: "large-v3-turbo-q5_0", Quality: "best balance", DownloadURL: huggingFaceBase + "ggml-large-v3-turbo-q5_0.bin"},
	{FileName: "ggml-large-v3-turbo.bin", Label: "large-v3-turbo", Quality: "highest quality (fast)", DownloadURL: huggingFaceBase + "ggml-large-v3-turbo.bin"},
	{FileName: "ggml-large-v3.bin", Label: "large-v3", Quality: "highest quality", DownloadURL: huggingFaceBase + "ggml-large-v3.bin"},
	{FileName: "ggml-medium.en.bin", Label: "medium.en", Quality: "high quality", DownloadURL: huggingFaceBase + "ggml-medium.en.bin"},
	{FileName: "ggml-small.en.bin", Label: "small.en", Quality: "better than base", DownloadURL: huggingFaceBase + "ggml-small.en.bin"},
	{FileName: "ggml-base.en.bin", Label: "base.en", Quality: "balanced", DownloadURL: huggingFaceBase + "ggml-base.en.bin"},
	{FileName: "ggml-tiny.en.bin", Label: "tiny.en", Quality: "fastest", DownloadURL: huggingFaceBase + "ggml-tiny.en.bin"},
}

const fallbackModel = "ggml-base.en.bin"

// Catalog answers model questions against the models directory. Installed
// and active flags are derived from the filesystem and the current active
// selection at query time; nothing is cached or persisted here.
type Catalog struct {
	dir string

	mu     sync.Mutex
	active string
}

func NewCatalog(dir, active string) *Catalog {
	return &Catalog{dir: dir, active: active}
}

func (c *Catalog) Dir() string { return c.dir }

// Path is where fileName lives (or would live) on disk.
func (c *Catalog) Path(fileName string) string {
	return filepath.Join(c.dir, fileName)
}

// Installed checks the filesystem for the artifact.
func (c *Catalog) Installed(fileName string) bool {
	info, err := os.Stat(c.Path(fileName))
	return err == nil && info.Mode().IsRegular()
}

// Active returns the currently selected model file name, which may not be
// installed.
func (c *Catalog) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" {
		return c.active
	}
	return c.pickDefault()
}

// SetActive records a new selection. Validity is the caller's concern; a
// selection can point at a model that is still downloading.
func (c *Catalog) SetActive(fileName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = fileName
}

// Lookup finds a descriptor by file name, covering both catalog models and
// custom .bin files dropped into the models directory.
func (c *Catalog) Lookup(fileName string) (Descriptor, bool) {
	for _, d := range knownModels {
		if d.FileName == fileName {
			return d, true
		}
	}
	if strings.HasSuffix(fileName, ".bin") && c.Installed(fileName) {
		return Descriptor{FileName: fileName, Label: customLabel(fileName), Quality: "custom"}, true
	}
	return Descriptor{}, false
}

// List produces the full catalog with derived installed/active flags:
// every known model plus any unknown .bin files found on disk.
func (c *Catalog) List() []protocol.ModelStatus {
	installed := c.installedSet()
	active := c.Active()

	out := make([]protocol.ModelStatus, 0, len(knownModels))
	for _, d := range knownModels {
		out = append(out, protocol.ModelStatus{
			FileName:    d.FileName,
			Label:       d.Label,
			Quality:     d.Quality,
			Installed:   installed[d.FileName],
			Active:      d.FileName == active,
			DownloadURL: d.DownloadURL,
		})
		delete(installed, d.FileName)
	}

	extras := make([]string, 0, len(installed))
	for name := range installed {
		extras = append(extras, name)
	}
	sort.Strings(extras)
	for _, name := range extras {
		out = append(out, protocol.ModelStatus{
			FileName:  name,
			Label:     customLabel(name),
			Quality:   "custom",
			Installed: true,
			Active:    name == active,
		})
	}
	return out
}

// ResolveForUse picks the model to transcribe with: the active selection
// when installed, otherwise the best installed fallback. switchedFrom is
// non-empty when a fallback replaced a missing active model.
func (c *Catalog) ResolveForUse() (desc Descriptor, switchedFrom string, err error) {
	active := c.Active()
	if active != "" && c.Installed(active) {
		desc, ok := c.Lookup(active)
		if !ok {
			desc = Descriptor{FileName: active, Label: customLabel(active), Quality: "custom"}
		}
		return desc, "", nil
	}

	fallback := c.pickInstalled()
	if fallback == "" {
		return Descriptor{}, "", ErrNoModels
	}
	desc, ok := c.Lookup(fallback)
	if !ok {
		desc = Descriptor{FileName: fallback, Label: customLabel(fallback), Quality: "custom"}
	}
	if active == "" {
		return desc, "", nil
	}
	return desc, active, nil
}

// pickDefault mirrors the install-time preference: first catalog model
// that is installed, then any installed file, then base.en.
func (c *Catalog) pickDefault() string {
	if name := c.pickInstalled(); name != "" {
		return name
	}
	return fallbackModel
}

func (c *Catalog) pickInstalled() string {
	installed := c.installedSet()
	for _, d := range knownModels {
		if installed[d.FileName] {
			return d.FileName
		}
	}
	names := make([]string, 0, len(installed))
	for name := range installed {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

func (c *Catalog) installedSet() map[string]bool {
	out := map[string]bool{}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".bin") {
			out[e.Name()] = true
		}
	}
	return out
}

func customLabel(fileName string) string {
	name := strings.TrimSuffix(fileName, ".bin")
	return strings.TrimPrefix(name, "ggml-")
}
