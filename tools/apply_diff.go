package tools

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/m4xw311/loopy/errors"
	"github.com/spf13/afero"
)

const applyDiffFormat = `<<<<<<< SEARCH
:start_line:<line_number>
-------
[exact content to find]
=======
[new content to replace with]
>>>>>>> REPLACE`

var diffBlockRe = regexp.MustCompile(`(?s)<<<<<<< SEARCH\r?\n:start_line:(\d+)\r?\n-------\r?\n(.*?)\r?\n=======\r?\n(.*?)\r?\n>>>>>>> REPLACE`)

type diffBlock struct {
	index     int // 1-based position in the diff
	startLine int
	search    string
	replace   string
}

func (b diffBlock) lineCount() int {
	return len(strings.Split(b.search, "\n"))
}

type ApplyDiffInput struct {
	Path string `json:"path" required:"true" description:"Path to the file to modify"`
	Diff string `json:"diff" required:"true" description:"One or more SEARCH/REPLACE blocks. The :start_line: is 1-based and refers to the file as it is before the diff is applied."`
}

type ApplyDiffOutput struct {
	Success       bool   `json:"success"`
	AppliedBlocks int    `json:"appliedBlocks"`
	Diff          string `json:"diff,omitempty"`
}

func newApplyDiff(fs afero.Fs, guard pathGuard) Tool {
	description := "Apply precise, targeted modifications to an existing file using one or more search/replace blocks. " +
		"The SEARCH text must exactly match the existing content at :start_line:, including whitespace and indentation. " +
		"Use read_file first if you are not sure of the exact content. Format:\n" + applyDiffFormat
	return MustTool("apply_diff", description,
		func(ctx context.Context, in ApplyDiffInput) (ApplyDiffOutput, error) {
			blocks, err := parseDiffBlocks(in.Diff)
			if err != nil {
				return ApplyDiffOutput{}, err
			}
			if err := guard.checkWrite(in.Path); err != nil {
				return ApplyDiffOutput{}, err
			}
			data, err := afero.ReadFile(fs, in.Path)
			if err != nil {
				return ApplyDiffOutput{}, errors.New("failed to read file: %s. Ensure the file exists", in.Path)
			}

			original := string(data)
			updated, err := applyBlocks(original, blocks)
			if err != nil {
				return ApplyDiffOutput{}, err
			}
			if err := writeFileAtomic(fs, in.Path, []byte(updated)); err != nil {
				return ApplyDiffOutput{}, err
			}
			return ApplyDiffOutput{
				Success:       true,
				AppliedBlocks: len(blocks),
				Diff:          udiff.Unified("a/"+cleanPath(in.Path), "b/"+cleanPath(in.Path), original, updated),
			}, nil
		})
}

func parseDiffBlocks(diff string) ([]diffBlock, error) {
	matches := diffBlockRe.FindAllStringSubmatch(diff, -1)
	if len(matches) == 0 {
		return nil, errors.New("no valid SEARCH/REPLACE blocks found in diff. Ensure the format is:\n%s", applyDiffFormat)
	}
	blocks := make([]diffBlock, 0, len(matches))
	for i, m := range matches {
		line, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.New("block %d: invalid start line %q", i+1, m[1])
		}
		blocks = append(blocks, diffBlock{index: i + 1, startLine: line, search: m[2], replace: m[3]})
	}
	return blocks, nil
}

// applyBlocks checks every block against the original content before
// changing anything, then splices the replacements in from the bottom up
// so earlier line numbers stay valid.
func applyBlocks(content string, blocks []diffBlock) (string, error) {
	lines := strings.Split(content, "\n")

	ordered := append([]diffBlock(nil), blocks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].startLine < ordered[j].startLine })

	prevEnd, prevIndex := 0, 0
	for _, b := range ordered {
		if b.startLine < 1 {
			return "", errors.New("Block %d failed: start line must be 1 or greater, got %d", b.index, b.startLine)
		}
		start := b.startLine - 1
		end := start + b.lineCount()
		if start < prevEnd {
			return "", errors.New("Block %d failed: lines %d-%d overlap block %d", b.index, b.startLine, end, prevIndex)
		}

		actual := ""
		if start < len(lines) {
			actual = strings.Join(lines[start:min(end, len(lines))], "\n")
		}
		if actual != b.search {
			if actual == "" {
				actual = "(content not found at line)"
			}
			expected := b.search
			if expected == "" {
				expected = "(empty search)"
			}
			return "", errors.New("Block %d failed: Search content does not match at line %d.\nExpected:\n%s\n\nActual:\n%s",
				b.index, b.startLine, expected, actual)
		}
		prevEnd, prevIndex = end, b.index
	}

	// A block starting past the end of the file appends.
	for i := len(ordered) - 1; i >= 0; i-- {
		b := ordered[i]
		start := min(b.startLine-1, len(lines))
		end := min(start+b.lineCount(), len(lines))
		replacement := strings.Split(b.replace, "\n")
		next := make([]string, 0, len(lines)-(end-start)+len(replacement))
		next = append(next, lines[:start]...)
		next = append(next, replacement...)
		next = append(next, lines[end:]...)
		lines = next
	}
	return strings.Join(lines, "\n"), nil
}
