package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/loopy/errors"
	"github.com/spf13/afero"
)

type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ListDirInput struct {
	Path string `json:"path" required:"true" description:"Directory to list"`
}

type ListDirOutput struct {
	Entries []DirEntry `json:"entries"`
}

func newListDir(fs afero.Fs, guard pathGuard) Tool {
	return MustTool("list_dir", "List the files and directories at a path. Each entry reports its name and whether it is a dir or a file.",
		func(ctx context.Context, in ListDirInput) (ListDirOutput, error) {
			if err := guard.checkRead(in.Path); err != nil {
				return ListDirOutput{}, err
			}
			infos, err := afero.ReadDir(fs, in.Path)
			if err != nil {
				return ListDirOutput{}, errors.Wrapf(err, "failed to list directory")
			}
			out := ListDirOutput{Entries: make([]DirEntry, 0, len(infos))}
			for _, info := range infos {
				if guard.checkRead(filepath.Join(in.Path, info.Name())) != nil {
					continue
				}
				kind := "file"
				if info.IsDir() {
					kind = "dir"
				}
				out.Entries = append(out.Entries, DirEntry{Name: info.Name(), Type: kind})
			}
			return out, nil
		})
}

type ReadFileInput struct {
	Path string `json:"path" required:"true" description:"Path to the file to read"`
}

type ReadFileOutput struct {
	Content string `json:"content"`
}

func newReadFile(fs afero.Fs, guard pathGuard) Tool {
	return MustTool("read_file", "Read the content of a file. Every line is prefixed with its 1-based line number as \"N | \", matching the :start_line: used by apply_diff.",
		func(ctx context.Context, in ReadFileInput) (ReadFileOutput, error) {
			if err := guard.checkRead(in.Path); err != nil {
				return ReadFileOutput{}, err
			}
			data, err := afero.ReadFile(fs, in.Path)
			if err != nil {
				return ReadFileOutput{}, errors.Wrapf(err, "failed to read file")
			}
			return ReadFileOutput{Content: numberLines(string(data))}, nil
		})
}

// numberLines prefixes each line with its 1-based number. The empty string
// after a final newline is not a line.
func numberLines(content string) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d | %s", i+1, line)
	}
	return b.String()
}

type WriteFileInput struct {
	Path    string `json:"path" required:"true" description:"Path of the file to write"`
	Content string `json:"content" required:"true" description:"Full content of the file"`
}

type WriteFileOutput struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
}

func newWriteFile(fs afero.Fs, guard pathGuard) Tool {
	return MustTool("write_file", "Write content to a file, replacing it entirely. Parent directories are created as needed.",
		func(ctx context.Context, in WriteFileInput) (WriteFileOutput, error) {
			if err := guard.checkWrite(in.Path); err != nil {
				return WriteFileOutput{}, err
			}
			if err := writeFileAtomic(fs, in.Path, []byte(in.Content)); err != nil {
				return WriteFileOutput{}, err
			}
			return WriteFileOutput{Success: true, Path: in.Path, Bytes: len(in.Content)}, nil
		})
}

// writeFileAtomic writes to a temporary sibling and renames it over path.
// An existing file keeps its permissions; new files get 0644.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := fs.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to write file %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return errors.Wrapf(err, "failed to write file %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return errors.Wrapf(err, "failed to write file %s", path)
	}
	if err := fs.Chmod(tmpName, mode); err != nil {
		_ = fs.Remove(tmpName)
		return errors.Wrapf(err, "failed to set permissions of %s", path)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return errors.Wrapf(err, "failed to write file %s", path)
	}
	return nil
}

func cleanPath(path string) string {
	clean := filepath.ToSlash(filepath.Clean(path))
	return strings.TrimPrefix(clean, "./")
}
