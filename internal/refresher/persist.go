package refresher

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"go.uber.org/multierr"

	"sigdns/internal/query"
	"sigdns/internal/record"
)

// WriteQueries stores keys as "TYPE domain" lines. The file is replaced
// atomically so a crash mid-save leaves the previous list intact. Keys whose
// domain is empty or holds whitespace cannot be read back; they are left out
// and reported with ErrUnsavableKey after the rest is written.
func WriteQueries(file string, keys []query.Key) (err error) {
	dir, base := filepath.Split(file)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".tmp*")
	if err != nil {
		return fmt.Errorf("refresher: save %s: %w", file, err)
	}
	renamed := false
	defer func() {
		if err != nil && !renamed {
			_ = os.Remove(tmp.Name())
		}
	}()

	var skipped error
	w := bufio.NewWriter(tmp)
	for _, k := range keys {
		if k.Domain == "" || strings.ContainsFunc(k.Domain, unicode.IsSpace) {
			skipped = multierr.Append(skipped, fmt.Errorf("%w: %s %q", ErrUnsavableKey, k.Type, k.Domain))
			continue
		}
		if _, err = fmt.Fprintf(w, "%s %s\n", k.Type, k.Domain); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("refresher: save %s: %w", file, err)
		}
	}
	if err = w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("refresher: save %s: %w", file, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("refresher: save %s: %w", file, err)
	}
	if err = os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("refresher: save %s: %w", file, err)
	}
	renamed = true
	return skipped
}

// ReadQueries parses a list written by WriteQueries. Blank lines and lines
// starting with '#' are skipped. Malformed lines are reported together in
// the returned error while every valid key is still returned; duplicates
// are dropped.
func ReadQueries(file string) ([]query.Key, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("refresher: load %s: %w", file, err)
	}
	defer f.Close()

	var (
		keys    []query.Key
		seen    = make(map[query.Key]struct{})
		badLine error
		lineNo  int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			badLine = multierr.Append(badLine, fmt.Errorf("%w: line %d: %q", ErrBadLine, lineNo, line))
			continue
		}
		t, err := record.ParseType(fields[0])
		if err != nil {
			badLine = multierr.Append(badLine, fmt.Errorf("%w: line %d: %v", ErrBadLine, lineNo, err))
			continue
		}
		k := query.Key{Type: t, Domain: fields[1]}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := sc.Err(); err != nil {
		return keys, fmt.Errorf("refresher: load %s: %w", file, err)
	}
	return keys, badLine
}
