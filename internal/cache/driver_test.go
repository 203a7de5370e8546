package cache

import "testing"

func TestBuiltinDriversRegistered(t *testing.T) {
	for _, key := range []string{"memory", "fs"} {
		if _, ok := ResolveDriver(key); !ok {
			t.Fatalf("driver %s should be registered", key)
		}
	}
	if _, ok := ResolveDriver(" MEMORY "); !ok {
		t.Fatalf("driver lookup should be case-insensitive")
	}
}

func TestRegisterDriverRejectsDuplicates(t *testing.T) {
	reg := newDriverRegistry()
	meta := DriverMetadata{Key: "dup", Open: func(DriverOptions) (Storage, error) { return NewMemoryStore(), nil }}
	if err := reg.register(meta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.register(meta); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if err := reg.register(DriverMetadata{Key: "nofunc"}); err == nil {
		t.Fatalf("driver without Open should fail")
	}
}

func TestOpenDriverDefaultsToMemory(t *testing.T) {
	storage, err := OpenDriver("", DriverOptions{})
	if err != nil {
		t.Fatalf("open default driver: %v", err)
	}
	if _, ok := storage.(*memoryStore); !ok {
		t.Fatalf("unexpected storage type %T", storage)
	}
	if _, err := OpenDriver("nope", DriverOptions{}); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}
