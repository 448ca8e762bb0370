// Package runtime wires the engine together: stores, channels, moderation
// and search behind one Orchestrator. It holds no conversation rules itself.
package runtime

import (
	"bufio"
	"bytes"
	"chat-engine/errors"
	"context"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// CensoredData carries the result of the loading process including metadata for logging.
type CensoredData struct {
	Words     []string
	Languages []string
	// Extra counts the words that only come from the blocklist store.
	Extra int
}

// WordSource provides censored words added at runtime.
type WordSource interface {
	Words(ctx context.Context) ([]string, error)
}

// CensoredLoader reads one word list per language file ("fr.txt" is French)
// and merges the operator blocklist on top.
type CensoredLoader struct {
	fs    fs.FS
	extra WordSource
}

func NewCensoredLoader(f fs.FS, extra WordSource) *CensoredLoader {
	return &CensoredLoader{fs: f, extra: extra}
}

func (l *CensoredLoader) LoadAll(ctx context.Context, dir string) (*CensoredData, error) {
	entries, err := fs.ReadDir(l.fs, dir)
	if err != nil {
		return nil, err
	}

	var languages []string
	unique := make(map[string]struct{})

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".txt" {
			continue
		}
		languages = append(languages, strings.TrimSuffix(entry.Name(), ".txt"))

		data, err := fs.ReadFile(l.fs, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		// Scanner copes with \r\n files
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.ToLower(strings.TrimSpace(scanner.Text()))
			if line != "" && !strings.HasPrefix(line, "#") {
				unique[line] = struct{}{}
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	extra := 0
	if l.extra != nil {
		words, err := l.extra.Words(ctx)
		if err != nil {
			return nil, err
		}
		for _, word := range words {
			if _, ok := unique[word]; !ok {
				unique[word] = struct{}{}
				extra++
			}
		}
	}

	if len(unique) == 0 {
		return nil, errors.ErrEmptyWords
	}

	words := make([]string, 0, len(unique))
	for w := range unique {
		words = append(words, w)
	}
	sort.Strings(words)
	sort.Strings(languages)

	return &CensoredData{Words: words, Languages: languages, Extra: extra}, nil
}
