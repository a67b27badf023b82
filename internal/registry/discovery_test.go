package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"go.uber.org/zap"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func stubDial(endpoint string) (connectors.Invoker, error) {
	return noopInvoker{}, nil
}

func TestScanRegistersValidSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "scanner.json", `{
		"name": "scanner",
		"capabilities": ["scan"],
		"priority": "HIGH",
		"version": "1.0.0",
		"endpoint": "localhost:9101"
	}`)
	writeManifest(t, dir, "broken.json", `{not json at all`)
	writeManifest(t, dir, "nameless.json", `{"capabilities": ["x"], "endpoint": "localhost:9102"}`)
	writeManifest(t, dir, "notes.txt", `not a manifest`)

	r := New(stubDial, time.Second, nil, zap.NewNop())
	d := NewDiscovery(r, dir, zap.NewNop())

	applied, err := d.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// Битые файлы пропущены, валидный применен
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	desc, _, ok := r.Snapshot("scanner")
	if !ok {
		t.Fatal("scanner must be registered after Scan")
	}
	if desc.Priority != domain.PriorityHigh || desc.Version != "1.0.0" {
		t.Fatalf("descriptor = %+v", desc)
	}
}

func TestScanRescanReloadsExisting(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "scanner.json", `{
		"name": "scanner",
		"capabilities": ["scan"],
		"priority": "MEDIUM",
		"version": "1.0.0",
		"endpoint": "localhost:9101"
	}`)

	r := New(stubDial, time.Second, nil, zap.NewNop())
	d := NewDiscovery(r, dir, zap.NewNop())

	if _, err := d.Scan(); err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	var reloads int
	r.OnReload(func(string) { reloads++ })

	// Обновленный манифест: повторный скан превращается в hot reload
	writeManifest(t, dir, "scanner.json", `{
		"name": "scanner",
		"capabilities": ["scan", "deep-scan"],
		"priority": "CRITICAL",
		"version": "2.0.0",
		"endpoint": "localhost:9101"
	}`)
	applied, err := d.Scan()
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if applied != 1 || reloads != 1 {
		t.Fatalf("applied = %d, reloads = %d", applied, reloads)
	}

	desc, _, _ := r.Snapshot("scanner")
	if desc.Version != "2.0.0" || desc.Priority != domain.PriorityCritical {
		t.Fatalf("descriptor after rescan = %+v", desc)
	}
	if _, ok := desc.Capabilities["deep-scan"]; !ok {
		t.Fatal("rescan must apply the new capability set")
	}
}

func TestReloadSignalDoesNotEcho(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "scanner.json", `{
		"name": "scanner",
		"capabilities": ["scan"],
		"priority": "HIGH",
		"version": "1.0.0",
		"endpoint": "localhost:9101"
	}`)

	r := New(stubDial, time.Second, nil, zap.NewNop())
	d := NewDiscovery(r, dir, zap.NewNop())
	if _, err := d.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	// Эмуляция шины: каждая публикация возвращается слушателю,
	// как ее увидел бы и сам отправитель
	var published int
	r.publish = func(name string) {
		published++
		if published > 10 {
			t.Fatal("signal echo loop: apply keeps republishing")
		}
		d.handleSignal(name, true)
	}

	var reloads int
	r.OnReload(func(string) { reloads++ })

	// Чужой сигнал: применяется ровно один раз, ретрансляции нет
	d.handleSignal("scanner", true)
	if reloads != 1 || published != 0 {
		t.Fatalf("signal apply: reloads = %d, published = %d, want 1/0", reloads, published)
	}

	// Локальное изменение (рескан): одна публикация, эхо применяется
	// без новой публикации
	reloads, published = 0, 0
	if _, err := d.Scan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if published != 1 {
		t.Fatalf("local reload must broadcast exactly once, published = %d", published)
	}
	// Два применения: локальное + пришедшее эхо
	if reloads != 2 {
		t.Fatalf("reloads = %d, want 2", reloads)
	}
}

func TestDeregisterSignalApply(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "scanner.json", `{
		"name": "scanner",
		"capabilities": ["scan"],
		"endpoint": "localhost:9101"
	}`)

	r := New(stubDial, time.Second, nil, zap.NewNop())
	d := NewDiscovery(r, dir, zap.NewNop())
	if _, err := d.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	d.handleSignal("scanner", false)
	if _, _, ok := r.Snapshot("scanner"); ok {
		t.Fatal("deregister signal must remove the agent")
	}
	// Повторный сигнал о неизвестном агенте — no-op
	d.handleSignal("scanner", false)
}

func TestScanMissingDir(t *testing.T) {
	r := New(stubDial, time.Second, nil, zap.NewNop())
	d := NewDiscovery(r, filepath.Join(t.TempDir(), "does-not-exist"), zap.NewNop())
	if _, err := d.Scan(); err == nil {
		t.Fatal("Scan over a missing directory must fail")
	}
}

func TestManifestUnknownPriorityDefaultsToMedium(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "worker.json", `{
		"name": "worker",
		"capabilities": ["work"],
		"priority": "SOMEDAY",
		"endpoint": "localhost:9105"
	}`)

	r := New(stubDial, time.Second, nil, zap.NewNop())
	d := NewDiscovery(r, dir, zap.NewNop())
	if _, err := d.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	desc, _, _ := r.Snapshot("worker")
	if desc.Priority != domain.PriorityMedium {
		t.Fatalf("unknown priority must fall back to MEDIUM, got %v", desc.Priority)
	}
}
