// Package interp executes a parsed program against a sealed-state model:
// it owns every SealedVault created or revived during a run, performs
// per-entry AEAD sealing, and enforces the one-way seal transition.
//
// The lifecycle mirrors the teacher's vault.Create/Unlock/Lock state
// machine (internal/vault/vault.go in the source tree this was adapted
// from): a vault is either mutable (freshly created or revived from a
// seed) or sealed, and writes past the seal are rejected the same way
// the teacher rejects writes to a locked vault.
package interp

import "sort"

// SealedEntry is the persisted form of one store/replace write.
type SealedEntry struct {
	Digest string // keyed MAC of Cipher
	Cipher string // base64(IV || Tag || Ciphertext)
}

// SealedRegistry maps entry key to SealedEntry within one vault.
type SealedRegistry struct {
	Entries map[string]SealedEntry
}

// SealedVault is the live or persisted state of one vault block.
type SealedVault struct {
	Name         string
	Optional     bool
	Sealed       bool
	MasterKeyHex string
	Registries   map[string]SealedRegistry
}

func newSealedVault(name string, optional bool, masterKeyHex string) *SealedVault {
	return &SealedVault{
		Name:         name,
		Optional:     optional,
		Sealed:       false,
		MasterKeyHex: masterKeyHex,
		Registries:   map[string]SealedRegistry{},
	}
}

func (v *SealedVault) registry(name string) SealedRegistry {
	r, ok := v.Registries[name]
	if !ok {
		r = SealedRegistry{Entries: map[string]SealedEntry{}}
		v.Registries[name] = r
	}
	return r
}

func (v *SealedVault) has(registry, key string) bool {
	r, ok := v.Registries[registry]
	if !ok {
		return false
	}
	_, ok = r.Entries[key]
	return ok
}

func (v *SealedVault) put(registry, key string, e SealedEntry) {
	r := v.registry(registry)
	r.Entries[key] = e
	v.Registries[registry] = r
}

// RegistryNames returns the vault's registry names in lexicographic order.
func (v *SealedVault) RegistryNames() []string {
	names := make([]string, 0, len(v.Registries))
	for n := range v.Registries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EntryKeys returns a registry's entry keys in lexicographic order.
func (r SealedRegistry) EntryKeys() []string {
	keys := make([]string, 0, len(r.Entries))
	for k := range r.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy, used when seeding the interpreter so the
// caller's archive-loaded vaults are never mutated by a later run.
func (v *SealedVault) Clone() *SealedVault {
	out := &SealedVault{
		Name:         v.Name,
		Optional:     v.Optional,
		Sealed:       v.Sealed,
		MasterKeyHex: v.MasterKeyHex,
		Registries:   make(map[string]SealedRegistry, len(v.Registries)),
	}
	for name, reg := range v.Registries {
		entries := make(map[string]SealedEntry, len(reg.Entries))
		for k, e := range reg.Entries {
			entries[k] = e
		}
		out.Registries[name] = SealedRegistry{Entries: entries}
	}
	return out
}
