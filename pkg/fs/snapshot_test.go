package fs

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/maxdollinger/envbuild/pkg/oci"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiff(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "etc/keep.conf", "keep")
	writeFile(t, root, "etc/change.conf", "v1")
	writeFile(t, root, "var/lib/apt/lists/a_Packages", "index")
	writeFile(t, root, "var/lib/apt/lists/b_Packages", "index")

	before, err := TakeSnapshot(root)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "etc/change.conf", "version2")
	writeFile(t, root, "usr/bin/curl", "#!/bin/sh")
	if err := os.RemoveAll(filepath.Join(root, "var", "lib", "apt", "lists")); err != nil {
		t.Fatal(err)
	}

	after, err := TakeSnapshot(root)
	if err != nil {
		t.Fatal(err)
	}

	want := []Change{
		{Path: "etc/change.conf", Kind: ChangeModify},
		{Path: "usr", Kind: ChangeAdd},
		{Path: "usr/bin", Kind: ChangeAdd},
		{Path: "usr/bin/curl", Kind: ChangeAdd},
		{Path: "var/lib/apt/lists", Kind: ChangeDelete},
	}
	if diff := cmp.Diff(want, Diff(before, after)); diff != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffOwnership(t *testing.T) {
	mtime := time.Unix(1714003200, 0)
	before := Snapshot{
		"etc/ssl/private": {Mode: os.ModeDir | 0o700, ModTime: mtime},
		"usr/bin/sudo":    {Mode: 0o4755, Size: 10, ModTime: mtime},
		"var/log/syslog":  {Mode: 0o640, Size: 3, ModTime: mtime},
	}
	after := Snapshot{
		"etc/ssl/private": {Mode: os.ModeDir | 0o700, ModTime: mtime, Gid: 110},
		"usr/bin/sudo":    {Mode: 0o4755, Size: 10, ModTime: mtime},
		"var/log/syslog":  {Mode: 0o640, Size: 3, ModTime: mtime, Uid: 104, Gid: 4},
	}

	want := []Change{
		{Path: "etc/ssl/private", Kind: ChangeModify},
		{Path: "var/log/syslog", Kind: ChangeModify},
	}
	if diff := cmp.Diff(want, Diff(before, after)); diff != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", diff)
	}
}

func TestTakeSnapshotRecordsOwner(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "etc/hosts", "127.0.0.1 localhost")

	snap, err := TakeSnapshot(root)
	if err != nil {
		t.Fatal(err)
	}
	got := snap["etc/hosts"]
	if got.Uid != os.Getuid() || got.Gid != os.Getgid() {
		t.Errorf("owner = %d:%d, want %d:%d", got.Uid, got.Gid, os.Getuid(), os.Getgid())
	}
}

func TestTakeSnapshotExcludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "etc/resolv.conf", "nameserver 1.1.1.1")
	writeFile(t, root, "etc/hosts", "127.0.0.1 localhost")

	snap, err := TakeSnapshot(root, "/etc/resolv.conf")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap["etc/resolv.conf"]; ok {
		t.Error("excluded path recorded")
	}
	if _, ok := snap["etc/hosts"]; !ok {
		t.Error("etc/hosts missing from snapshot")
	}
}

func TestWriteLayerRoundTrip(t *testing.T) {
	work := t.TempDir()
	writeFile(t, work, "etc/change.conf", "v1")
	writeFile(t, work, "var/cache/apt/archives/curl.deb", "deb")

	// the base state as a layer, and a copy of it as the consumer's rootfs
	base := t.TempDir()
	baseSnap, err := TakeSnapshot(work)
	if err != nil {
		t.Fatal(err)
	}
	var baseTar bytes.Buffer
	if err := WriteLayer(&baseTar, work, Diff(Snapshot{}, baseSnap)); err != nil {
		t.Fatalf("WriteLayer base failed: %v", err)
	}

	// mutate and capture the change layer
	past := time.Now().Add(-time.Hour)
	writeFile(t, work, "etc/change.conf", "v2-longer")
	_ = os.Chtimes(filepath.Join(work, "etc", "change.conf"), past, past)
	writeFile(t, work, "usr/bin/curl", "#!/bin/sh")
	if err := os.Symlink("curl", filepath.Join(work, "usr", "bin", "curl-alias")); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(work, "var", "cache", "apt", "archives", "curl.deb")); err != nil {
		t.Fatal(err)
	}
	afterSnap, err := TakeSnapshot(work)
	if err != nil {
		t.Fatal(err)
	}
	var changeTar bytes.Buffer
	if err := WriteLayer(&changeTar, work, Diff(baseSnap, afterSnap)); err != nil {
		t.Fatalf("WriteLayer change failed: %v", err)
	}

	layers := []oci.Layer{gzipLayer(t, baseTar.Bytes()), gzipLayer(t, changeTar.Bytes())}
	if err := NewFlattener().BuildFs(context.Background(), layers, base); err != nil {
		t.Fatalf("BuildFs failed: %v", err)
	}

	got, err := TakeSnapshot(base)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"etc/change.conf", "usr/bin/curl", "usr/bin/curl-alias"} {
		if _, ok := got[p]; !ok {
			t.Errorf("%s missing after replay", p)
		}
	}
	if _, ok := got["var/cache/apt/archives/curl.deb"]; ok {
		t.Error("deleted archive came back after replay")
	}
	content, _ := os.ReadFile(filepath.Join(base, "etc", "change.conf"))
	if string(content) != "v2-longer" {
		t.Errorf("change.conf = %q", content)
	}
	if got["usr/bin/curl-alias"].Link != "curl" {
		t.Errorf("symlink target = %q", got["usr/bin/curl-alias"].Link)
	}
}

func TestWriteLayerWhiteoutNames(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "var", "lib"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	err := WriteLayer(&buf, root, []Change{{Path: "var/lib/apt", Kind: ChangeDelete}})
	if err != nil {
		t.Fatalf("WriteLayer failed: %v", err)
	}

	var names []string
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}

	want := []string{"var/", "var/lib/", "var/lib/.wh.apt"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("layer entries mismatch (-want +got):\n%s", diff)
	}
}
