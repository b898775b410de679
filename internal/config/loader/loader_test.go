package loader

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"
)

// MemFS is an in-memory file system for testing.
type MemFS struct {
	files map[string][]byte
}

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

func (m *MemFS) AddFile(path string, content string) {
	m.files[path] = []byte(content)
}

func (m *MemFS) ReadFile(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (m *MemFS) Stat(path string) (fs.FileInfo, error) {
	if _, ok := m.files[path]; ok {
		return &memFileInfo{name: path}, nil
	}
	return nil, fs.ErrNotExist
}

type memFileInfo struct {
	name string
}

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return 0 }
func (f *memFileInfo) Mode() fs.FileMode  { return 0644 }
func (f *memFileInfo) ModTime() time.Time { return time.Now() }
func (f *memFileInfo) IsDir() bool        { return false }
func (f *memFileInfo) Sys() any           { return nil }

func getByPath(data map[string]any, path string) (any, bool) {
	current := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func TestTOMLLoader_Load(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/cspybridge.toml", `
[engine]
workbench = "/opt/iar/ewarm"
args = ["-standalone", "-sockets"]
numCores = 2

[timeouts]
readiness = "20s"
`)

	config, err := NewTOMLLoaderWithFS(memfs, "/cspybridge.toml").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if val, _ := getByPath(config, "engine.workbench"); val != "/opt/iar/ewarm" {
		t.Errorf("engine.workbench = %v, want '/opt/iar/ewarm'", val)
	}
	if val, _ := getByPath(config, "engine.numCores"); val != int64(2) {
		t.Errorf("engine.numCores = %v (%T), want 2", val, val)
	}
	if val, _ := getByPath(config, "timeouts.readiness"); val != "20s" {
		t.Errorf("timeouts.readiness = %v, want '20s'", val)
	}
	args, _ := getByPath(config, "engine.args")
	if list, ok := args.([]any); !ok || len(list) != 2 {
		t.Errorf("engine.args = %v, want two entries", args)
	}
}

func TestTOMLLoader_MissingFile(t *testing.T) {
	config, err := NewTOMLLoaderWithFS(NewMemFS(), "/missing.toml").Load()
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if config != nil {
		t.Errorf("expected nil config, got %v", config)
	}
}

func TestTOMLLoader_ParseError(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/bad.toml", "[engine\nworkbench = 1\n")

	_, err := NewTOMLLoaderWithFS(memfs, "/bad.toml").Load()
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Path != "/bad.toml" {
		t.Errorf("ParseError.Path = %q", perr.Path)
	}
	if perr.Line == 0 {
		t.Error("expected ParseError to carry a line")
	}
}

func TestTOMLLoader_LoadFromReader(t *testing.T) {
	config, err := NewTOMLLoader("").LoadFromReader(strings.NewReader("[logging]\nlevel = \"debug\"\n"))
	if err != nil {
		t.Fatalf("LoadFromReader failed: %v", err)
	}
	if val, _ := getByPath(config, "logging.level"); val != "debug" {
		t.Errorf("logging.level = %v, want 'debug'", val)
	}
}

func TestYAMLLoader_Load(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/cspybridge.yaml", `
engine:
  workbench: /opt/iar/ewarm
windows:
  allCoresMenuItem: All cores
tracing:
  enabled: true
`)

	config, err := NewYAMLLoaderWithFS(memfs, "/cspybridge.yaml").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if val, _ := getByPath(config, "engine.workbench"); val != "/opt/iar/ewarm" {
		t.Errorf("engine.workbench = %v", val)
	}
	if val, _ := getByPath(config, "windows.allCoresMenuItem"); val != "All cores" {
		t.Errorf("windows.allCoresMenuItem = %v", val)
	}
	if val, _ := getByPath(config, "tracing.enabled"); val != true {
		t.Errorf("tracing.enabled = %v", val)
	}
}

func TestYAMLLoader_EmptyAndInvalid(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/empty.yaml", "")
	memfs.AddFile("/bad.yaml", "engine: [unclosed\n")

	config, err := NewYAMLLoaderWithFS(memfs, "/empty.yaml").Load()
	if err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if config == nil || len(config) != 0 {
		t.Errorf("expected empty map, got %v", config)
	}

	_, err = NewYAMLLoaderWithFS(memfs, "/bad.yaml").Load()
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Errorf("expected ParseError, got %v", err)
	}
}

func TestForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.toml", "*loader.TOMLLoader"},
		{"a.TOML", "*loader.TOMLLoader"},
		{"a.yaml", "*loader.YAMLLoader"},
		{"a.yml", "*loader.YAMLLoader"},
	}
	for _, tt := range tests {
		l, err := ForPath(NewMemFS(), tt.path)
		if err != nil {
			t.Errorf("ForPath(%q): %v", tt.path, err)
			continue
		}
		var got string
		switch l.(type) {
		case *TOMLLoader:
			got = "*loader.TOMLLoader"
		case *YAMLLoader:
			got = "*loader.YAMLLoader"
		}
		if got != tt.want {
			t.Errorf("ForPath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}

	if _, err := ForPath(NewMemFS(), "a.json"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestLoadWithIncludes(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/etc/base.toml", `
[engine]
workbench = "/opt/base"
tempRoot = "/tmp/base"
`)
	memfs.AddFile("/etc/main.toml", `
"@include" = "base.toml"

[engine]
workbench = "/opt/main"
`)

	config, err := LoadWithIncludes(NewTOMLLoaderWithFS(memfs, ""), "/etc/main.toml", 4)
	if err != nil {
		t.Fatalf("LoadWithIncludes failed: %v", err)
	}

	if val, _ := getByPath(config, "engine.workbench"); val != "/opt/main" {
		t.Errorf("including file must win, got %v", val)
	}
	if val, _ := getByPath(config, "engine.tempRoot"); val != "/tmp/base" {
		t.Errorf("included value missing, got %v", val)
	}
	if _, ok := config[IncludeKey]; ok {
		t.Error("include directive must be removed")
	}
}

func TestLoadWithIncludes_Cycle(t *testing.T) {
	memfs := NewMemFS()
	memfs.AddFile("/a.yaml", "\"@include\": b.yaml\n")
	memfs.AddFile("/b.yaml", "\"@include\": a.yaml\n")

	_, err := LoadWithIncludes(NewYAMLLoaderWithFS(memfs, ""), "/a.yaml", 3)
	if !errors.Is(err, ErrIncludeDepthExceeded) {
		t.Errorf("expected ErrIncludeDepthExceeded, got %v", err)
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"engine":  map[string]any{"workbench": "/a", "numCores": 1},
		"logging": map[string]any{"level": "info"},
	}
	src := map[string]any{
		"engine":  map[string]any{"workbench": "/b"},
		"logging": "flat",
	}

	got := DeepMerge(dst, src)

	if val, _ := getByPath(got, "engine.workbench"); val != "/b" {
		t.Errorf("engine.workbench = %v, want '/b'", val)
	}
	if val, _ := getByPath(got, "engine.numCores"); val != 1 {
		t.Errorf("engine.numCores = %v, want 1", val)
	}
	if got["logging"] != "flat" {
		t.Errorf("non-map source must replace, got %v", got["logging"])
	}

	if DeepMerge(nil, nil) == nil {
		t.Error("DeepMerge(nil, nil) must return an empty map")
	}
}

func TestClone(t *testing.T) {
	src := map[string]any{
		"engine": map[string]any{"args": []any{"-a", map[string]any{"k": "v"}}},
	}
	dst := Clone(src)

	dst["engine"].(map[string]any)["args"].([]any)[0] = "-changed"
	if val := src["engine"].(map[string]any)["args"].([]any)[0]; val != "-a" {
		t.Errorf("Clone shares slices with source: %v", val)
	}

	if Clone(nil) != nil {
		t.Error("Clone(nil) must be nil")
	}
}
