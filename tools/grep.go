package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/m4xw311/loopy/errors"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

const maxGrepResults = 100

// Directories never searched recursively.
var grepExcluded = ignore.CompileIgnoreLines(".git", ".hg", ".svn", "node_modules", "vendor")

var errGrepLimit = errors.Sentinel("result limit reached")

type GrepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

type GrepInput struct {
	Pattern   string `json:"pattern" required:"true" description:"Regular expression to search for"`
	Path      string `json:"path,omitempty" description:"File or directory to search, defaults to the current directory"`
	Recursive bool   `json:"recursive,omitempty" default:"true" description:"Search subdirectories, defaults to true"`
}

func (in *GrepInput) SetDefaults() {
	in.Path = "."
	in.Recursive = true
}

type GrepOutput struct {
	Results   []GrepMatch `json:"results"`
	Truncated bool        `json:"truncated,omitempty"`
}

func newGrep(fs afero.Fs, guard pathGuard) Tool {
	description := fmt.Sprintf("Search file contents with a regular expression. Returns up to %d {file, line, content} matches. "+
		"Version control and dependency directories are skipped.", maxGrepResults)
	return MustTool("grep", description,
		func(ctx context.Context, in GrepInput) (GrepOutput, error) {
			re, err := regexp.Compile(in.Pattern)
			if err != nil {
				return GrepOutput{}, errors.Wrapf(err, "invalid regex pattern")
			}
			root := in.Path
			if root == "" {
				root = "."
			}
			if err := guard.checkRead(root); err != nil {
				return GrepOutput{}, err
			}
			info, err := fs.Stat(root)
			if err != nil {
				return GrepOutput{}, errors.Wrapf(err, "failed to access path")
			}

			s := &grepSearch{ctx: ctx, fs: fs, guard: guard, re: re, out: GrepOutput{Results: []GrepMatch{}}}
			switch {
			case !info.IsDir():
				err = s.file(root)
			case in.Recursive:
				err = afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
					if err != nil {
						return nil
					}
					if info.IsDir() {
						if path != root && s.skipDir(root, path) {
							return filepath.SkipDir
						}
						return nil
					}
					return s.file(path)
				})
			default:
				var infos []os.FileInfo
				infos, err = afero.ReadDir(fs, root)
				if err == nil {
					for _, fi := range infos {
						if fi.IsDir() {
							continue
						}
						if err = s.file(filepath.Join(root, fi.Name())); err != nil {
							break
						}
					}
				}
			}
			if err != nil && !errors.Is(err, errGrepLimit) {
				return GrepOutput{}, errors.Wrapf(err, "search failed")
			}
			return s.out, nil
		})
}

type grepSearch struct {
	ctx   context.Context
	fs    afero.Fs
	guard pathGuard
	re    *regexp.Regexp
	out   GrepOutput
}

func (s *grepSearch) skipDir(root, path string) bool {
	if s.guard.checkRead(path) != nil {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return grepExcluded.MatchesPath(filepath.ToSlash(rel))
}

func (s *grepSearch) file(path string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.guard.checkRead(path) != nil {
		return nil
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil || isBinary(data) {
		return nil
	}

	lineNo := 0
	for line := range strings.Lines(string(data)) {
		lineNo++
		line = strings.TrimRight(line, "\r\n")
		if !s.re.MatchString(line) {
			continue
		}
		if len(s.out.Results) >= maxGrepResults {
			s.out.Truncated = true
			return errGrepLimit
		}
		s.out.Results = append(s.out.Results, GrepMatch{
			File:    path,
			Line:    lineNo,
			Content: strings.TrimSpace(line),
		})
	}
	return nil
}

func isBinary(data []byte) bool {
	n := min(len(data), 8000)
	return bytes.IndexByte(data[:n], 0) >= 0
}
