package dockerfile // import "code.cloudfoundry.org/flatfs/dockerfile"

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	errorspkg "github.com/pkg/errors"
)

// Instruction is one logical build step. Continuation lines have already
// been joined; the keyword is kept exactly as written, unknown verbs
// included. Structure is all this package checks, not build-file semantics.
type Instruction struct {
	Instruction string `json:"instruction"`
	Arguments   string `json:"arguments"`
	Source      string `json:"source"`
	StartLine   int    `json:"start_line"`
}

type Dockerfile struct {
	Location     string        `json:"location"`
	Instructions []Instruction `json:"instructions"`
}

// Parse splits Dockerfile content into instructions. Lines ending in a
// backslash are joined with their continuation before the keyword/arguments
// split; blank lines and comment lines are skipped.
func Parse(content, source string) []Instruction {
	instructions := []Instruction{}

	lines := strings.Split(content, "\n")
	logical := ""
	startLine := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if logical == "" {
			startLine = i + 1
		}

		if strings.HasSuffix(trimmed, "\\") {
			logical += strings.TrimSpace(strings.TrimSuffix(trimmed, "\\")) + " "
			continue
		}

		logical += trimmed
		instructions = append(instructions, newInstruction(logical, source, startLine))
		logical = ""
	}

	if logical != "" {
		instructions = append(instructions, newInstruction(strings.TrimSpace(logical), source, startLine))
	}

	return instructions
}

func newInstruction(logical, source string, startLine int) Instruction {
	keyword, arguments := logical, ""
	if idx := strings.IndexAny(logical, " \t"); idx >= 0 {
		keyword = logical[:idx]
		arguments = strings.TrimSpace(logical[idx+1:])
	}

	return Instruction{
		Instruction: keyword,
		Arguments:   arguments,
		Source:      source,
		StartLine:   startLine,
	}
}

func ParseFile(path string) (Dockerfile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Dockerfile{}, errorspkg.Wrap(err, "reading dockerfile")
	}

	return Dockerfile{
		Location:     path,
		Instructions: Parse(string(content), path),
	}, nil
}

// Collect walks dir for Dockerfile-like files (Dockerfile, Dockerfile.<x>,
// <x>.Dockerfile) and parses each. Files that cannot be read are reported
// and skipped.
func Collect(ctx context.Context, logger lager.Logger, dir string) ([]Dockerfile, error) {
	logger = logger.Session("collecting-dockerfiles", lager.Data{"dir": dir})
	logger.Debug("starting")
	defer logger.Debug("ending")

	dockerfiles := []Dockerfile{}
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return errorspkg.Wrap(err, "scanning for dockerfiles")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !isDockerfileName(entry.Name()) {
			return nil
		}

		dockerfile, err := ParseFile(path)
		if err != nil {
			logger.Error("parsing-dockerfile-failed", err, lager.Data{"path": path})
			return nil
		}
		dockerfiles = append(dockerfiles, dockerfile)

		return nil
	})

	return dockerfiles, err
}

// Flatten turns parsed files into one row per instruction, each tagged with
// its originating file, in file order then instruction order.
func Flatten(dockerfiles []Dockerfile) []Instruction {
	rows := []Instruction{}
	for _, dockerfile := range dockerfiles {
		rows = append(rows, dockerfile.Instructions...)
	}

	return rows
}

// RowHeaders are the CSV column names, in Values order.
func RowHeaders() []string {
	return []string{"source", "start_line", "instruction", "arguments"}
}

func (i Instruction) Values() []string {
	return []string{i.Source, strconv.Itoa(i.StartLine), i.Instruction, i.Arguments}
}

func isDockerfileName(name string) bool {
	return name == "Dockerfile" ||
		strings.HasPrefix(name, "Dockerfile.") ||
		strings.HasSuffix(name, ".Dockerfile")
}
