// Package query implements the .vsc mini-DSL: a single for-loop over a
// loaded archive's decrypted entries, filtered by a substring match on
// entry key, logging one field per matching entry.
//
//	for idx, doc in entries:find::matching("db"):
//	  log(doc.value)
//
// This is folded into the vaultc driver binary rather than shipped as a
// separate tool, matching the single vaultc_main entry point it was
// grounded on.
package query

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"vaultc/internal/archive"
	"vaultc/internal/vcrypto"
)

// Entry is one decrypted registry/key pair ready for scripting.
type Entry struct {
	Registry string
	Key      string
	Value    string
	MAC      string
}

// Entries decrypts every entry in every vault of a loaded archive.
// Unsealed vaults (a state the archive format tolerates but a freshly
// compiled one never produces) pass their stored cipher text through
// unchanged, matching the original reader's raw-passthrough behavior.
func Entries(a archive.Archive) ([]Entry, error) {
	var out []Entry
	for _, v := range a.Vaults {
		for _, regName := range v.RegistryNames() {
			reg := v.Registries[regName]
			for _, key := range reg.EntryKeys() {
				e := reg.Entries[key]
				value := e.Cipher
				if v.Sealed {
					plain, err := vcrypto.Decrypt(e.Cipher, v.MasterKeyHex, []byte(regName+":"+key))
					if err != nil {
						return nil, fmt.Errorf("query: decrypt %s:%s: %w", regName, key, err)
					}
					value = string(plain)
				}
				out = append(out, Entry{Registry: regName, Key: key, Value: value, MAC: e.Digest})
			}
		}
	}
	return out, nil
}

// extractField performs the original's "naive extraction" of a
// field: value or field: "value" token out of a document-literal string.
func extractField(doc, field string) (string, bool) {
	q := regexp.QuoteMeta(field)
	if m := regexp.MustCompile(q + `\s*:\s*([-+]?[0-9]+(?:\.[0-9]+)?)`).FindStringSubmatch(doc); len(m) > 1 {
		return m[1], true
	}
	if m := regexp.MustCompile(q + `\s*:\s*"([^"]*)"`).FindStringSubmatch(doc); len(m) > 1 {
		return m[1], true
	}
	return "", false
}

// UnsupportedHeaderError is returned when the script's first line isn't
// a recognized `for idx, var in entries:find::matching("...")`  header.
type UnsupportedHeaderError struct {
	Line string
}

func (e *UnsupportedHeaderError) Error() string {
	return fmt.Sprintf("unsupported script header: %q", e.Line)
}

// Run executes scriptSource against entries, writing one line to out per
// log() call triggered by each matching entry.
func Run(scriptSource string, entries []Entry, out io.Writer) error {
	lines, err := nonEmptyLines(scriptSource)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}

	header := lines[0]
	idxVar, docVar, needle, err := parseHeader(header)
	if err != nil {
		return err
	}

	body := lines[1:]
	idx := 0
	for _, e := range entries {
		if !strings.Contains(e.Key, needle) {
			continue
		}
		for _, b := range body {
			trimmed := strings.TrimLeft(b, " ")
			if !strings.HasPrefix(trimmed, "log(") || !strings.HasSuffix(trimmed, ")") {
				continue
			}
			inside := trimmed[len("log(") : len(trimmed)-1]
			switch {
			case inside == docVar+".value":
				fmt.Fprintln(out, e.Value)
			case strings.HasPrefix(inside, docVar+"."):
				field := inside[len(docVar)+1:]
				if val, ok := extractField(e.Value, field); ok {
					fmt.Fprintln(out, val)
				}
			case inside == idxVar:
				fmt.Fprintln(out, strconv.Itoa(idx))
			}
		}
		idx++
	}
	return nil
}

func nonEmptyLines(src string) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(src))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

const matchMarker = ":find::matching("

func parseHeader(header string) (idxVar, docVar, needle string, err error) {
	colon := strings.Index(header, matchMarker)
	if !strings.HasPrefix(header, "for ") || colon < 0 {
		return "", "", "", &UnsupportedHeaderError{Line: header}
	}
	inPos := strings.Index(header, " in ")
	if inPos < len("for ") {
		return "", "", "", &UnsupportedHeaderError{Line: header}
	}
	vars := header[4:inPos]
	comma := strings.IndexByte(vars, ',')
	if comma < 0 {
		return "", "", "", fmt.Errorf("query: need two loop vars in header %q", header)
	}
	idxVar = strings.TrimSpace(vars[:comma])
	docVar = strings.TrimSpace(vars[comma+1:])

	matchStart := colon + len(matchMarker)
	end := strings.IndexByte(header[matchStart:], ')')
	if end < 0 {
		return "", "", "", fmt.Errorf("query: bad matching() syntax in header %q", header)
	}
	needle = header[matchStart : matchStart+end]
	if len(needle) >= 2 && needle[0] == '"' && needle[len(needle)-1] == '"' {
		needle = needle[1 : len(needle)-1]
	}
	return idxVar, docVar, needle, nil
}
