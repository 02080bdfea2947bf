// Package archive implements the canonical serialization of sealed
// vaults into the portable .svau format, and the keyed MAC that binds a
// token and master key to that exact byte stream.
//
// The preimage and the on-disk body share one canonicalizer
// (canonicalBody below): WriteBody puts the header comment in front of
// it and ComputeMAC puts the `token` line in front of it, so the two
// always agree bit-for-bit.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"vaultc/internal/interp"
	"vaultc/internal/vcrypto"
)

const header = "# Vault Secure Archive"

// Archive is the result of Parse or a successful Load: the vaults in
// file order, the dependency filenames, and the parsed archive MAC.
type Archive struct {
	Vaults       []*interp.SealedVault
	Dependencies []string
	Token        string // on-disk form never carries this; present only after Load parses one
	HMAC         string
}

// SortedUniqueDeps returns deps sorted and deduplicated, matching the
// spec's dependency-list canonicalization rule.
func SortedUniqueDeps(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	cp := append([]string(nil), deps...)
	sort.Strings(cp)
	out := cp[:0]
	var prev string
	first := true
	for _, d := range cp {
		if first || d != prev {
			out = append(out, d)
			prev = d
			first = false
		}
	}
	return out
}

// canonicalBody writes the shared, deterministic portion of both the
// on-disk archive and the MAC preimage: the dependency list followed by
// every vault in run order, each vault's registries sorted
// lexicographically and each registry's entries sorted lexicographically.
func canonicalBody(w io.Writer, vaults []*interp.SealedVault, deps []string) error {
	for _, d := range SortedUniqueDeps(deps) {
		if _, err := fmt.Fprintf(w, "depends %s\n", d); err != nil {
			return err
		}
	}
	for _, v := range vaults {
		optionalWord := "required"
		if v.Optional {
			optionalWord = "optional"
		}
		if _, err := fmt.Fprintf(w, "vault %s (%s)\n", v.Name, optionalWord); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "sealed %t\n", v.Sealed); err != nil {
			return err
		}
		for _, regName := range v.RegistryNames() {
			reg := v.Registries[regName]
			if _, err := fmt.Fprintf(w, "  registry %s\n", regName); err != nil {
				return err
			}
			for _, key := range reg.EntryKeys() {
				e := reg.Entries[key]
				if _, err := fmt.Fprintf(w, "    entry %s\n", key); err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "      digest %s\n", e.Digest); err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "      cipher %s\n", e.Cipher); err != nil {
					return err
				}
			}
		}
		if _, err := fmt.Fprintln(w, "---"); err != nil {
			return err
		}
	}
	return nil
}

// WriteBody writes the on-disk body (header comment, deps, vaults) but
// not the trailing hmac line; callers append that once ComputeMAC has
// run, so a partial write never looks like a complete archive.
func WriteBody(w io.Writer, vaults []*interp.SealedVault, deps []string) error {
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	return canonicalBody(w, vaults, deps)
}

// ComputeMAC derives the archive MAC over the deterministic preimage:
// `token <token>\n` followed by the same canonical body the disk form
// writes, omitting the header comment and the trailing hmac line.
func ComputeMAC(vaults []*interp.SealedVault, token, masterKeyHex string, deps []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "token %s\n", token)
	if err := canonicalBody(&sb, vaults, deps); err != nil {
		return "", err
	}
	return vcrypto.Digest([]byte(sb.String()), masterKeyHex)
}

// Write emits the full on-disk form: header, canonical body, then the
// hmac line, computed over the given token and master key.
func Write(w io.Writer, vaults []*interp.SealedVault, token, masterKeyHex string, deps []string) error {
	if err := WriteBody(w, vaults, deps); err != nil {
		return err
	}
	mac, err := ComputeMAC(vaults, token, masterKeyHex, deps)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "hmac %s\n", mac)
	return err
}

// ErrMalformedArchive is returned by Parse/Load when an entry, digest,
// or cipher line appears before the registry (or entry) it belongs to,
// which a hand-corrupted .svau file can trigger even though no well-formed
// archive this package writes ever produces such a line order.
var ErrMalformedArchive = fmt.Errorf("archive: malformed or unreadable archive")

// Parse reads an on-disk .svau stream without verifying anything; see
// Load for the verified, config-aware entry point.
func Parse(r io.Reader) (Archive, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var a Archive
	var current *interp.SealedVault
	var currentReg, currentEntry string
	var haveReg, haveEntry bool

	flush := func() {
		if current != nil {
			a.Vaults = append(a.Vaults, current)
		}
		current = nil
		currentReg = ""
		haveReg = false
		haveEntry = false
	}

	// currentEntryRef returns the entry map for the active registry and
	// entry key, or an error if either hasn't been established yet.
	currentEntryRef := func() (interp.SealedRegistry, error) {
		if !haveReg || !haveEntry {
			return interp.SealedRegistry{}, ErrMalformedArchive
		}
		return current.Registries[currentReg], nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "---":
			flush()
		case line == "" || line == header:
			// skip
		case strings.HasPrefix(line, "hmac "):
			a.HMAC = line[len("hmac "):]
		case strings.HasPrefix(line, "depends "):
			a.Dependencies = append(a.Dependencies, line[len("depends "):])
		case strings.HasPrefix(line, "token "):
			a.Token = line[len("token "):]
		case strings.HasPrefix(line, "vault "):
			flush()
			rest := line[len("vault "):]
			name, optional := parseVaultHeader(rest)
			current = &interp.SealedVault{Name: name, Optional: optional, Registries: map[string]interp.SealedRegistry{}}
		case strings.HasPrefix(line, "sealed "):
			if current != nil {
				current.Sealed = strings.Contains(line, "true")
			}
		case strings.HasPrefix(line, "  registry "):
			currentReg = line[len("  registry "):]
			haveReg = true
			haveEntry = false
			if current != nil {
				current.Registries[currentReg] = interp.SealedRegistry{Entries: map[string]interp.SealedEntry{}}
			}
		case strings.HasPrefix(line, "    entry "):
			currentEntry = line[len("    entry "):]
			if !haveReg || current == nil {
				return Archive{}, ErrMalformedArchive
			}
			haveEntry = true
			current.Registries[currentReg].Entries[currentEntry] = interp.SealedEntry{}
		case strings.HasPrefix(line, "      digest "):
			if current != nil {
				reg, err := currentEntryRef()
				if err != nil {
					return Archive{}, err
				}
				e := reg.Entries[currentEntry]
				e.Digest = line[len("      digest "):]
				reg.Entries[currentEntry] = e
			}
		case strings.HasPrefix(line, "      cipher "):
			if current != nil {
				reg, err := currentEntryRef()
				if err != nil {
					return Archive{}, err
				}
				e := reg.Entries[currentEntry]
				e.Cipher = line[len("      cipher "):]
				reg.Entries[currentEntry] = e
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Archive{}, err
	}
	flush()
	return a, nil
}

// ErrTokenMismatch is returned by Load when the archive's token line
// disagrees with the token supplied by the caller's configuration.
var ErrTokenMismatch = fmt.Errorf("archive: token mismatch")

// ErrMACMismatch is returned by Load when the recomputed MAC disagrees
// with the one stored on disk.
var ErrMACMismatch = fmt.Errorf("archive: hmac verification failed")

// Load parses an on-disk archive and verifies it against the caller's
// token and master key. A missing or empty hmac line is tolerated (the
// legacy/unsigned case the spec's design notes call out) and verification
// is skipped in that case; a present hmac line must match exactly.
func Load(r io.Reader, token, masterKeyHex string) (Archive, error) {
	a, err := Parse(r)
	if err != nil {
		return Archive{}, err
	}
	if a.Token != "" && a.Token != token {
		return Archive{}, ErrTokenMismatch
	}
	for _, v := range a.Vaults {
		v.MasterKeyHex = masterKeyHex
	}
	if a.HMAC == "" {
		return a, nil
	}
	want, err := ComputeMAC(a.Vaults, token, masterKeyHex, a.Dependencies)
	if err != nil {
		return Archive{}, err
	}
	if want != a.HMAC {
		return Archive{}, ErrMACMismatch
	}
	return a, nil
}

func parseVaultHeader(rest string) (name string, optional bool) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	name = fields[0]
	optional = strings.Contains(rest, "optional")
	return name, optional
}
