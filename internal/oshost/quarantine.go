package oshost

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	jailSuffix = ".quarantine"
	jailKey    = byte(0xAA)
)

// Jail isolates files by moving them, XOR-encoded, into a private directory
type Jail struct {
	Dir string
}

// NewJail creates a jail rooted at dir
func NewJail(dir string) *Jail {
	return &Jail{Dir: dir}
}

// Lockup moves path into the jail and returns the jailed file name
func (j *Jail) Lockup(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file: %s", path)
	}

	if err := os.MkdirAll(j.Dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create jail: %w", err)
	}

	name := fmt.Sprintf("%s_%s%s", time.Now().Format("20060102_150405.000000000"), filepath.Base(path), jailSuffix)
	dest := filepath.Join(j.Dir, name)

	if err := xorCopy(dest, path, 0o600); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to jail %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return name, fmt.Errorf("jailed %s but failed to remove original: %w", path, err)
	}
	return name, nil
}

// Restore decodes a jailed file to dest and removes it from the jail
func (j *Jail) Restore(name, dest string) error {
	if filepath.Base(name) != name || !strings.HasSuffix(name, jailSuffix) {
		return fmt.Errorf("not a quarantine file: %s", name)
	}
	src := filepath.Join(j.Dir, name)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("quarantine file not found: %s", name)
	}

	if err := xorCopy(dest, src, 0o644); err != nil {
		return fmt.Errorf("failed to restore %s: %w", name, err)
	}
	return os.Remove(src)
}

// List returns the jailed file names
func (j *Jail) List() ([]string, error) {
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list jail: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), jailSuffix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func xorCopy(dst, src string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	r := bufio.NewReader(in)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		for i := 0; i < n; i++ {
			buf[i] ^= jailKey
		}
		if _, err := w.Write(buf[:n]); err != nil {
			out.Close()
			return err
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return readErr
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
