// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package logrotate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotateArchivesAndReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	r, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	r.MaxSize = 16
	r.Iterations = 3

	if _, err := r.current.WriteString("0123456789abcdef!"); err != nil {
		t.Fatalf("write: %s", err)
	}

	newFD, err := r.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %s", err)
	}
	if newFD == nil {
		t.Fatalf("expected a rotation to occur")
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected %s.1 to exist: %s", path, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected a fresh %s to exist: %s", path, err)
	}

	archived, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if string(archived) != "0123456789abcdef!" {
		t.Fatalf("got archived content %q", archived)
	}
}

func TestRotatePreservesBoundFD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	boundPath := filepath.Join(dir, "bound")
	bound, err := os.OpenFile(boundPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %s", err)
	}
	defer bound.Close()
	boundFD := bound.Fd()

	r, err := New(path, bound)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	r.MaxSize = 4
	r.Iterations = 2

	if _, err := bound.WriteString("12345"); err != nil {
		t.Fatalf("write: %s", err)
	}

	newFD, err := r.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %s", err)
	}
	if newFD == nil {
		t.Fatalf("expected a rotation")
	}
	if newFD.Fd() != boundFD {
		t.Fatalf("bound fd changed: got %d, want %d", newFD.Fd(), boundFD)
	}
}

func TestRotateNoOpBelowMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	r, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	r.MaxSize = 1024

	r.current.WriteString("tiny")

	newFD, err := r.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %s", err)
	}
	if newFD != nil {
		t.Fatalf("expected no rotation below max size")
	}
}

func TestGzipOldestGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	r, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	r.MaxSize = 1
	r.Iterations = 2
	r.GzipOldest = true

	// fill .2 so the next rotation pushes something out of the
	// tracked window and into the gzip path.
	if err := os.WriteFile(path+".2", []byte("ancient"), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	r.current.WriteString("xx")
	if _, err := r.Rotate(); err != nil {
		t.Fatalf("Rotate: %s", err)
	}

	if _, err := os.Stat(path + ".2.gz"); err != nil {
		t.Fatalf("expected %s.2.gz to exist: %s", path, err)
	}
	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Fatalf("expected %s.2 to be removed after compression", path)
	}
}

func TestEnsureLogDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureLogDirectories(dir); err != nil {
		t.Fatalf("EnsureLogDirectories: %s", err)
	}
	for _, sub := range []string{"proctor", "bureaucrat", "workers"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Fatalf("expected %s to be a directory", sub)
		}
	}
}
