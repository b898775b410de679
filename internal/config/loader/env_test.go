package loader

import (
	"testing"
)

func newTestEnvLoader(env ...string) *EnvLoader {
	l := NewEnvLoader("CSPYBRIDGE_")
	l.environ = func() []string { return env }
	return l
}

func TestEnvLoader_Load(t *testing.T) {
	l := newTestEnvLoader(
		"CSPYBRIDGE_WORKBENCH=/opt/iar",
		"CSPYBRIDGE_LOG_LEVEL=debug",
		"CSPYBRIDGE_TRACE=true",
		"CSPYBRIDGE_ENGINE_NUM_CORES=2",
		"CSPYBRIDGE_TIMEOUTS_UPDATE_WAIT=500ms",
		"CSPYBRIDGE_WINDOWS_ALL_CORES_MENU_ITEM=All cores",
		"CSPYBRIDGE_ENGINE_ARGS=[\"-standalone\"]",
		"OTHER_VAR=ignored",
	)

	config, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		path string
		want any
	}{
		{"engine.workbench", "/opt/iar"},
		{"logging.level", "debug"},
		{"tracing.enabled", true},
		{"engine.numCores", int64(2)},
		{"timeouts.updateWait", "500ms"},
		{"windows.allCoresMenuItem", "All cores"},
	}
	for _, tt := range tests {
		val, ok := getByPath(config, tt.path)
		if !ok || val != tt.want {
			t.Errorf("%s = %v (%T), want %v", tt.path, val, val, tt.want)
		}
	}

	args, _ := getByPath(config, "engine.args")
	if list, ok := args.([]any); !ok || len(list) != 1 || list[0] != "-standalone" {
		t.Errorf("engine.args = %v, want [-standalone]", args)
	}

	if _, ok := config["other"]; ok {
		t.Error("unprefixed variables must be ignored")
	}
}

func TestEnvLoader_AddMapping(t *testing.T) {
	l := newTestEnvLoader("CSPYBRIDGE_HOME=/opt/iar")
	l.AddMapping("CSPYBRIDGE_HOME", "engine.workbench")

	config, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if val, _ := getByPath(config, "engine.workbench"); val != "/opt/iar" {
		t.Errorf("engine.workbench = %v, want '/opt/iar'", val)
	}
}

func TestEnvLoader_SingleWordIgnored(t *testing.T) {
	l := NewEnvLoaderWithMapping("CSPYBRIDGE_", nil)
	l.environ = func() []string { return []string{"CSPYBRIDGE_VERBOSE=1"} }

	config, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(config) != 0 {
		t.Errorf("expected no settings, got %v", config)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"true", true},
		{"Yes", true},
		{"off", false},
		{"1", int64(1)},
		{"0", int64(0)},
		{"1.5", 1.5},
		{"10s", "10s"},
		{"1.5s", "1.5s"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); got != tt.want {
			t.Errorf("parseValue(%q) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}
}
