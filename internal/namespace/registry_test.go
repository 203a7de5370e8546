package namespace

import "testing"

func TestRegistryDerivesNames(t *testing.T) {
	reg := mustRegistry(t, "sushi", "v20")
	if reg.Precache() != "sushi-static-v20" {
		t.Fatalf("unexpected precache name: %s", reg.Precache())
	}
	if reg.Runtime() != "sushi-runtime-v20" {
		t.Fatalf("unexpected runtime name: %s", reg.Runtime())
	}
	current := reg.Current()
	if len(current) != 2 || current[0] != reg.Precache() || current[1] != reg.Runtime() {
		t.Fatalf("Current 顺序应为 precache → runtime: %v", current)
	}
}

func TestRegistryTagChangeChangesBothNames(t *testing.T) {
	v1 := mustRegistry(t, "sushi", "v1")
	v2 := mustRegistry(t, "sushi", "v2")
	if v1.Precache() == v2.Precache() || v1.Runtime() == v2.Runtime() {
		t.Fatalf("版本变化后命名空间必须全部变化")
	}
}

func TestRegistryIsStale(t *testing.T) {
	reg := mustRegistry(t, "sushi", "v2")
	cases := []struct {
		name  string
		stale bool
	}{
		{"sushi-static-v2", false},
		{"sushi-runtime-v2", false},
		{"sushi-static-v1", true},
		{"sushi-runtime-v1", true},
		{"other-static-v1", false},
		{"sushi-images", false},
	}
	for _, tc := range cases {
		if got := reg.IsStale(tc.name); got != tc.stale {
			t.Fatalf("IsStale(%s)=%v, want %v", tc.name, got, tc.stale)
		}
	}
	if reg.Owns("sushi-images") {
		t.Fatalf("无关前缀不应被认领")
	}
}

func TestKindOfIgnoresTag(t *testing.T) {
	reg := mustRegistry(t, "sushi", "v2")
	if kind, ok := reg.KindOf("sushi-runtime-v1"); !ok || kind != KindRuntime {
		t.Fatalf("旧版本运行期命名空间应识别为 runtime，得到 %q %v", kind, ok)
	}
	if kind, ok := reg.KindOf("sushi-static-v2"); !ok || kind != KindPrecache {
		t.Fatalf("预缓存命名空间应识别为 static，得到 %q %v", kind, ok)
	}
	if _, ok := reg.KindOf("other-runtime-v1"); ok {
		t.Fatalf("其它前缀不应识别")
	}
}

func TestNewRejectsEmptyInput(t *testing.T) {
	if _, err := New("", "v1"); err == nil {
		t.Fatalf("空前缀应报错")
	}
	if _, err := New("sushi", " "); err == nil {
		t.Fatalf("空版本标签应报错")
	}
}

func mustRegistry(t *testing.T, prefix, tag string) Registry {
	t.Helper()
	reg, err := New(prefix, tag)
	if err != nil {
		t.Fatalf("构造注册表失败: %v", err)
	}
	return reg
}
