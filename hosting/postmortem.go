// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hosting

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// RuntimeVersions is a bitmask of native runtime versions whose crash hooks
// a host should install. It is carried for argv compatibility and has no
// effect on a Go host.
type RuntimeVersions int

// PostMortemSettings control how a host process records its own crashes.
// The zero value disables post-mortem handling.
type PostMortemSettings struct {
	// CollectMinidumps, if true, redirects the crash output of the host to a
	// file in MinidumpFolder.
	CollectMinidumps bool

	// SuppressErrorWindows, if true, limits the traceback printed by a
	// crashing host to the failing goroutine.
	SuppressErrorWindows bool

	// HandleAccessViolations, if true, turns unexpected memory faults in the
	// host into panics rather than crashes.
	HandleAccessViolations bool

	HandleCrtAsserts                  bool
	HandleCrtPureVirtualFunctionCalls bool
	RuntimeVersions                   RuntimeVersions

	// NumMinidumpsRetained is the number of crash files kept in the folder;
	// older ones are removed when a host starts.
	NumMinidumpsRetained int

	// MinidumpFolder is an absolute directory path for crash files (default
	// os.TempDir()).
	MinidumpFolder string

	// MinidumpName is the base name of crash files (default "<Unused>").
	MinidumpName string
}

const unusedName = "<Unused>"

// Validate reports whether p is usable. Only settings that collect crash
// files have requirements.
func (p *PostMortemSettings) Validate() error {
	if p == nil || !p.CollectMinidumps {
		return nil
	}
	var errs []error
	if strings.TrimSpace(p.MinidumpFolder) == "" {
		errs = append(errs, errors.New("minidump folder is required"))
	} else if !filepath.IsAbs(p.MinidumpFolder) {
		errs = append(errs, fmt.Errorf("minidump folder %q is not absolute", p.MinidumpFolder))
	}
	if strings.TrimSpace(p.MinidumpName) == "" {
		errs = append(errs, errors.New("minidump name is required"))
	} else if strings.ContainsAny(p.MinidumpName, `/\:*?"`) || strings.Contains(p.MinidumpName, "..") {
		errs = append(errs, fmt.Errorf("minidump name %q contains invalid characters", p.MinidumpName))
	}
	if p.NumMinidumpsRetained <= 0 {
		errs = append(errs, fmt.Errorf("minidumps retained must be positive: %d", p.NumMinidumpsRetained))
	}
	return errors.Join(errs...)
}

// enabled reports whether any setting of p is enabled.
func (p *PostMortemSettings) enabled() bool {
	return p != nil && *p != PostMortemSettings{}
}

// FormatArguments formats the command-line arguments of a host process
// started by the parent with process ID ppid. If any setting of p is enabled
// the parent ID is followed by the nine settings in declaration order.
func FormatArguments(ppid int, p *PostMortemSettings) []string {
	args := []string{strconv.Itoa(ppid)}
	if !p.enabled() {
		return args
	}
	folder := p.MinidumpFolder
	if folder == "" {
		folder = os.TempDir()
	}
	name := p.MinidumpName
	if name == "" {
		name = unusedName
	}
	return append(args,
		strconv.FormatBool(p.CollectMinidumps),
		strconv.FormatBool(p.SuppressErrorWindows),
		strconv.FormatBool(p.HandleAccessViolations),
		strconv.FormatBool(p.HandleCrtAsserts),
		strconv.FormatBool(p.HandleCrtPureVirtualFunctionCalls),
		strconv.Itoa(int(p.RuntimeVersions)),
		strconv.Itoa(p.NumMinidumpsRetained),
		folder,
		name,
	)
}

// ParseArguments parses command-line arguments in the format written by
// FormatArguments. It reports a nil *PostMortemSettings if args contains only
// the parent process ID.
func ParseArguments(args []string) (ppid int, _ *PostMortemSettings, _ error) {
	if len(args) == 0 {
		return 0, nil, errors.New("missing parent process ID")
	}
	ppid, err := strconv.Atoi(args[0])
	if err != nil || ppid <= 0 {
		return 0, nil, fmt.Errorf("invalid parent process ID %q", args[0])
	}
	if len(args) == 1 {
		return ppid, nil, nil
	} else if len(args) != 10 {
		return 0, nil, fmt.Errorf("got %d post-mortem arguments, want 9", len(args)-1)
	}

	var p PostMortemSettings
	var errs []error
	parseBool := func(i int, v *bool) {
		b, err := strconv.ParseBool(args[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("argument %d: %w", i, err))
		}
		*v = b
	}
	parseInt := func(i int) int {
		n, err := strconv.Atoi(args[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("argument %d: %w", i, err))
		}
		return n
	}
	parseBool(1, &p.CollectMinidumps)
	parseBool(2, &p.SuppressErrorWindows)
	parseBool(3, &p.HandleAccessViolations)
	parseBool(4, &p.HandleCrtAsserts)
	parseBool(5, &p.HandleCrtPureVirtualFunctionCalls)
	p.RuntimeVersions = RuntimeVersions(parseInt(6))
	p.NumMinidumpsRetained = parseInt(7)
	p.MinidumpFolder = args[8]
	p.MinidumpName = args[9]
	if err := errors.Join(errs...); err != nil {
		return 0, nil, err
	}
	return ppid, &p, nil
}

// crashFilePattern returns the glob matching the crash files of p.
func (p *PostMortemSettings) crashFilePattern() string {
	return filepath.Join(p.MinidumpFolder, p.MinidumpName+"-*.crash")
}

// crashFilePath returns the path of the crash file for process pid.
func (p *PostMortemSettings) crashFilePath(pid int) string {
	return filepath.Join(p.MinidumpFolder, fmt.Sprintf("%s-%d.crash", p.MinidumpName, pid))
}

// pruneCrashFiles removes the oldest crash files of p, so that at most keep
// remain.
func (p *PostMortemSettings) pruneCrashFiles(keep int) error {
	paths, err := filepath.Glob(p.crashFilePattern())
	if err != nil || len(paths) <= keep {
		return err
	}
	type aged struct {
		path string
		mod  int64
	}
	files := make([]aged, 0, len(paths))
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			continue // removed concurrently
		}
		files = append(files, aged{path, fi.ModTime().UnixNano()})
	}
	slices.SortFunc(files, func(a, b aged) int { return cmp.Compare(a.mod, b.mod) })

	var errs []error
	for len(files) > keep {
		if err := os.Remove(files[0].path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		files = files[1:]
	}
	return errors.Join(errs...)
}
