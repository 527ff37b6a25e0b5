// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"neve.256lights.llc/substrate/internal/osutil"
)

// nativeExecutor isolates the builder inside a chroot with its own
// mount, PID, and (unless networking is requested) network namespaces.
// The whole store directory is bind-mounted read-only; access is not
// narrowed to the declared input closure.
type nativeExecutor struct{}

func (*nativeExecutor) Backend() Backend { return Native }

func (*nativeExecutor) Available() bool {
	if os.Getuid() != 0 {
		// Unprivileged namespace creation still requires
		// /proc/sys/kernel/unprivileged_userns_clone or an equivalent
		// kernel default; probing it precisely is platform-specific,
		// so fall back to a conservative existence check on the
		// namespace file.
		if _, err := os.Stat("/proc/self/ns/user"); err != nil {
			return false
		}
	}
	if _, err := os.Stat("/proc/self/ns/mnt"); err != nil {
		return false
	}
	return true
}

func (e *nativeExecutor) Execute(ctx context.Context, opts *Options) (result *Result, err error) {
	buildDir, err := prepareScratch(opts)
	if err != nil {
		return nil, &SandboxError{Backend: Native, Reason: err.Error()}
	}

	chroot := filepath.Join(opts.Scratch, "root")
	if err := setupChroot(ctx, chroot, buildDir, opts); err != nil {
		cleanupScratch(opts, true)
		return nil, &SandboxError{Backend: Native, Reason: err.Error()}
	}
	defer unmountAll(chroot)

	relWork := "/build"
	var logBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, opts.Builder, opts.Args...)
	cmd.Dir = relWork
	cmd.Env = sortedEnv(baseEnv(opts, relWork))
	cmd.Stdout = io.MultiWriter(opts.Stdout, &logBuf)
	cmd.Stderr = io.MultiWriter(opts.Stderr, &logBuf)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     chroot,
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID,
	}
	if !opts.Network {
		cmd.SysProcAttr.Cloneflags |= unix.CLONE_NEWNET
	}

	runErr := cmd.Run()
	if runErr != nil {
		cleanupScratch(opts, true)
		return nil, &BuildFailedError{Log: logBuf.String(), Timeout: ctx.Err() != nil, Err: runErr}
	}

	outputs := make(map[string]string, len(opts.Outputs))
	for _, name := range opts.Outputs {
		outputs[name] = filepath.Join(chroot, "output", name)
	}
	return &Result{OutputPaths: outputs}, nil
}

// setupChroot builds the minimal filesystem a native sandbox needs: a
// sticky-bit tmp, a bind-mounted work directory, fake /etc/passwd and
// /etc/group entries for the build user, an empty /dev directory, a
// mounted proc, and a read-only bind mount of the whole store directory.
// No device nodes or devpts are set up.
func setupChroot(ctx context.Context, dir, realWorkDir string, opts *Options) (err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o777|os.ModeSticky); err != nil {
		return err
	}
	workDir := filepath.Join(dir, "build")
	if err := bindMount(ctx, realWorkDir, workDir); err != nil {
		return err
	}

	etcDir := filepath.Join(dir, "etc")
	if err := os.Mkdir(etcDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(etcDir, "passwd"), []byte("root:x:0:0:build user:/build:/noshell\nnobody:x:65534:65534:build user:/build:/noshell\n"), 0o444); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(etcDir, "group"), []byte("root:x:0:\nnogroup:x:65534:\n"), 0o444); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(etcDir, "hosts"), []byte("127.0.0.1 localhost\n::1 localhost\n"), 0o444); err != nil {
		return err
	}
	if opts.Network {
		for _, name := range []string{"/etc/resolv.conf", "/etc/nsswitch.conf"} {
			if _, statErr := os.Lstat(name); statErr == nil {
				bindMount(ctx, name, filepath.Join(etcDir, filepath.Base(name)))
			}
		}
	}

	devDir := filepath.Join(dir, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("none", filepath.Join(dir, "proc"), "proc", 0, ""); err != nil {
		if mkErr := os.MkdirAll(filepath.Join(dir, "proc"), 0o755); mkErr != nil {
			return mkErr
		}
		if err := unix.Mount("none", filepath.Join(dir, "proc"), "proc", 0, ""); err != nil {
			return fmt.Errorf("mount proc: %v", err)
		}
	}

	storeMount := filepath.Join(dir, filepath.Base(opts.StoreDir))
	if err := os.MkdirAll(storeMount, 0o755); err != nil {
		return err
	}
	if err := bindMount(ctx, opts.StoreDir, storeMount); err != nil {
		return err
	}
	if err := unix.Mount("", storeMount, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount store read-only: %v", err)
	}

	for _, name := range opts.Outputs {
		if err := os.MkdirAll(filepath.Join(dir, "output", name), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func bindMount(ctx context.Context, oldname, newname string) error {
	info, err := os.Lstat(oldname)
	if err != nil {
		return fmt.Errorf("bind mount %s -> %s: %v", oldname, newname, err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(newname, 0o777); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(newname), 0o777); err != nil {
			return err
		}
		if f, err := os.OpenFile(newname, os.O_CREATE, 0o666); err == nil {
			f.Close()
		}
	}
	if err := unix.Mount(oldname, newname, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %v", oldname, newname, err)
	}
	return nil
}

// unmountAll tears down the chroot, unmounting every mount point it
// encounters along the way rather than requiring the caller to track
// them.
func unmountAll(chroot string) {
	if err := osutil.UnmountAndRemoveAll(chroot); err != nil {
		// Fall back to a best-effort bind unmount pass: a mount the
		// walk-based remover can't detach on its own (e.g. one nested
		// under a directory it already removed) shouldn't leak a
		// non-empty chroot behind.
		filepath.WalkDir(chroot, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				unix.Unmount(path, unix.MNT_DETACH)
			}
			return nil
		})
		os.RemoveAll(chroot)
	}
}
