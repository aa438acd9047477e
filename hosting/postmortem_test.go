// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hosting

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/tether"
	"github.com/google/go-cmp/cmp"
)

func TestArguments(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		for _, pm := range []*PostMortemSettings{nil, {}} {
			got := FormatArguments(123, pm)
			if diff := cmp.Diff([]string{"123"}, got); diff != "" {
				t.Errorf("FormatArguments (-want, +got):\n%s", diff)
			}
		}
		ppid, pm, err := ParseArguments([]string{"123"})
		if err != nil || ppid != 123 || pm != nil {
			t.Errorf("ParseArguments: got (%d, %+v, %v), want (123, nil, nil)", ppid, pm, err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		want := &PostMortemSettings{
			CollectMinidumps:       true,
			HandleAccessViolations: true,
			HandleCrtAsserts:       true,
			RuntimeVersions:        3,
			NumMinidumpsRetained:   5,
			MinidumpFolder:         "/var/crash",
			MinidumpName:           "host",
		}
		args := FormatArguments(456, want)
		wantArgs := []string{"456", "true", "false", "true", "true", "false", "3", "5", "/var/crash", "host"}
		if diff := cmp.Diff(wantArgs, args); diff != "" {
			t.Errorf("FormatArguments (-want, +got):\n%s", diff)
		}
		ppid, got, err := ParseArguments(args)
		if err != nil {
			t.Fatalf("ParseArguments: unexpected error: %v", err)
		}
		if ppid != 456 {
			t.Errorf("Parent: got %d, want 456", ppid)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Settings (-want, +got):\n%s", diff)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		args := FormatArguments(1, &PostMortemSettings{SuppressErrorWindows: true})
		if got, want := args[8], os.TempDir(); got != want {
			t.Errorf("Folder: got %q, want %q", got, want)
		}
		if got := args[9]; got != "<Unused>" {
			t.Errorf("Name: got %q, want <Unused>", got)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, args := range [][]string{
			nil,
			{"x"},
			{"0"},
			{"-5"},
			{"1", "true"},
			{"1", "yes", "false", "false", "false", "false", "0", "1", "/tmp", "x"},
			{"1", "true", "false", "false", "false", "false", "zero", "1", "/tmp", "x"},
		} {
			if ppid, pm, err := ParseArguments(args); err == nil {
				t.Errorf("ParseArguments %q: got (%d, %+v), want error", args, ppid, pm)
			}
		}
	})
}

func TestValidate(t *testing.T) {
	valid := PostMortemSettings{
		CollectMinidumps:     true,
		NumMinidumpsRetained: 1,
		MinidumpFolder:       "/tmp/crash",
		MinidumpName:         "host",
	}
	tests := []struct {
		name string
		edit func(*PostMortemSettings)
		ok   bool
	}{
		{"Valid", func(*PostMortemSettings) {}, true},
		{"NotCollecting", func(p *PostMortemSettings) { *p = PostMortemSettings{HandleCrtAsserts: true} }, true},
		{"RelativeFolder", func(p *PostMortemSettings) { p.MinidumpFolder = "crash" }, false},
		{"NoFolder", func(p *PostMortemSettings) { p.MinidumpFolder = "" }, false},
		{"NoName", func(p *PostMortemSettings) { p.MinidumpName = " " }, false},
		{"SlashName", func(p *PostMortemSettings) { p.MinidumpName = "a/b" }, false},
		{"DotsName", func(p *PostMortemSettings) { p.MinidumpName = "a..b" }, false},
		{"StarName", func(p *PostMortemSettings) { p.MinidumpName = "a*" }, false},
		{"NoneRetained", func(p *PostMortemSettings) { p.NumMinidumpsRetained = 0 }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.edit(&p)
			if err := p.Validate(); (err == nil) != tc.ok {
				t.Errorf("Validate: got %v, want ok=%v", err, tc.ok)
			}
		})
	}
	var nilp *PostMortemSettings
	if err := nilp.Validate(); err != nil {
		t.Errorf("Validate nil: got %v, want nil", err)
	}
}

func TestPruneCrashFiles(t *testing.T) {
	dir := t.TempDir()
	p := &PostMortemSettings{MinidumpFolder: dir, MinidumpName: "host"}

	base := time.Now().Add(-time.Hour)
	for i := range 5 {
		path := p.crashFilePath(100 + i)
		if err := os.WriteFile(path, []byte("crash"), 0600); err != nil {
			t.Fatal(err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	// A file with another name is not touched.
	other := filepath.Join(dir, "other-1.crash")
	if err := os.WriteFile(other, nil, 0600); err != nil {
		t.Fatal(err)
	}

	if err := p.pruneCrashFiles(2); err != nil {
		t.Fatalf("pruneCrashFiles: unexpected error: %v", err)
	}
	got, err := filepath.Glob(filepath.Join(dir, "*.crash"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{p.crashFilePath(103), p.crashFilePath(104), other}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Remaining files (-want, +got):\n%s", diff)
	}
}

func TestException(t *testing.T) {
	err := decodeException(encodeException(tether.ErrNoSuchServant))
	if !errors.Is(err, tether.ErrNoSuchServant) {
		t.Errorf("Decoded exception: got %v, want %v", err, tether.ErrNoSuchServant)
	}
	var re *tether.RemoteError
	if !errors.As(err, &re) || re.Kind != tether.FaultNoSuchServant {
		t.Errorf("Decoded exception: got %#v, want a remote %q", err, tether.FaultNoSuchServant)
	}

	if err := decodeException("!!not base64!!"); err == nil {
		t.Error("Decode invalid exception: got nil, want error")
	}
}

func TestStateNames(t *testing.T) {
	for s, want := range map[HostState]string{
		StateNone:         "None",
		StateReady:        "Ready",
		StateDead:         "Dead",
		HostState(99):     "HostState(99)",
		StateShuttingDown: "ShuttingDown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State %d: got %q, want %q", int(s), got, want)
		}
	}
	if got := failureOf(tether.RequestedByRemoteEndpoint); got != ConnectionClosed {
		t.Errorf("failureOf remote goodbye: got %v, want %v", got, ConnectionClosed)
	}
	if got := failureOf(tether.ConnectionReset); got != ConnectionFailure {
		t.Errorf("failureOf reset: got %v, want %v", got, ConnectionFailure)
	}
	if got := Failure(42).String(); got != "Failure(42)" {
		t.Errorf("Failure string: got %q", got)
	}
}
