package gateway

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipperhouse/uax29/v2/words"
)

// ScriptEntry describes one discovered script under the configured scripts
// root: its relative name and a short description pulled from its leading
// docstring line.
type ScriptEntry struct {
	Name        string
	Description string
}

const maxDescriptionWords = 16

// DiscoverScripts walks the scripts root and returns every file matching the
// configured script suffix, each annotated with a trimmed first-line
// description the Planner can show the operator alongside the CLI
// allow-list.
func (g *Gateway) DiscoverScripts() ([]ScriptEntry, error) {
	root := g.cfg.ScriptsRoot
	if root == "" {
		root = filepath.Join(g.root, "scripts")
	}
	var entries []ScriptEntry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // an unreadable subtree doesn't abort discovery
		}
		if d.IsDir() || filepath.Ext(path) != g.cfg.ScriptSuffix {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		entries = append(entries, ScriptEntry{
			Name:        rel,
			Description: firstDocstringLine(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// firstDocstringLine reads a script's first non-empty, non-shebang line and
// trims it to a bounded number of word tokens so a verbose multi-sentence
// docstring doesn't blow out the Planner's prompt budget.
func firstDocstringLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#!") {
			continue
		}
		line = strings.Trim(line, `"'# `)
		if line == "" {
			continue
		}
		return truncateWords(line, maxDescriptionWords)
	}
	return ""
}

// truncateWords returns the first n word-boundary tokens of s, joined back
// together, using Unicode word segmentation so multi-byte identifiers and
// punctuation are not split mid-rune.
func truncateWords(s string, n int) string {
	seg := words.NewSegmenter([]byte(s))
	var b strings.Builder
	count := 0
	for seg.Next() {
		tok := seg.Value()
		if count >= n {
			b.WriteString("…")
			break
		}
		if len(strings.TrimSpace(string(tok))) > 0 {
			count++
		}
		b.Write(tok)
	}
	return strings.TrimSpace(b.String())
}
