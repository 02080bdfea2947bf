package interp

import (
	"strings"
	"testing"
	"time"

	"vaultc/internal/ast"
	"vaultc/internal/lexer"
	"vaultc/internal/parser"
	"vaultc/internal/vcrypto"
)

func fixedKey() string {
	return strings.Repeat("0", 64)
}

func mustParse(t *testing.T, src string) ast.Program {
	t.Helper()
	lines, err := lexer.Lex(strings.NewReader(src))
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	prog, err := parser.New(lines).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return prog
}

func newTestInterp(opts Options) *Interpreter {
	opts.ForcedMasterKey = fixedKey()
	opts.HasForcedMasterKey = true
	return New(opts)
}

func TestStoreAndDecrypt(t *testing.T) {
	prog := mustParse(t, "vault A\n  registry R\n  store -> \"k\" = \"v\"\n  secure\n")
	ip := newTestInterp(Options{})
	out, err := ip.Run(prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d vaults, want 1", len(out))
	}
	v := out[0]
	if !v.Sealed {
		t.Fatal("expected vault to be sealed")
	}
	entry := v.Registries["R"].Entries["k"]
	plain, err := vcrypto.Decrypt(entry.Cipher, v.MasterKeyHex, []byte("R:k"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "v" {
		t.Fatalf("got %q, want %q", plain, "v")
	}
}

func TestSealImmutability(t *testing.T) {
	prog := mustParse(t, "vault A\n  registry R\n  store -> \"a\" = \"1\"\n  secure\n")
	// The parser requires secure to be the last statement, so splice a
	// write in after it by hand to exercise the seal-immutability rule.
	body := prog.Vaults[0].Body
	secure := body[len(body)-1]
	extra := ast.Statement{
		Kind:   ast.StmtStore,
		Line:   99,
		Target: ast.Target{HasReg: true, Registry: "R", Key: "k"},
		Value:  ast.ValueExpr{Kind: ast.ValueLiteral, Text: "v"},
	}
	prog.Vaults[0].Body = append(body[:len(body)-1], secure, extra)

	ip := newTestInterp(Options{})
	_, err := ip.Run(prog)
	if err == nil {
		t.Fatal("expected error writing after secure")
	}
	if _, ok := err.(*SealedVaultWriteError); !ok {
		t.Fatalf("expected *SealedVaultWriteError, got %T: %v", err, err)
	}
}

func TestStoreNoOverwriteReplaceDoes(t *testing.T) {
	prog := mustParse(t, "vault A\n  registry R\n  store -> \"k\" = \"v1\"\n  store -> \"k\" = \"v2\"\n  secure\n")
	ip := newTestInterp(Options{})
	_, err := ip.Run(prog)
	if err == nil {
		t.Fatal("expected overwrite error")
	}
	if _, ok := err.(*OverwriteError); !ok {
		t.Fatalf("expected *OverwriteError, got %T", err)
	}

	prog2 := mustParse(t, "vault A\n  registry R\n  store -> \"k\" = \"v1\"\n  replace -> \"k\" = \"v2\"\n  secure\n")
	ip2 := newTestInterp(Options{})
	out, err := ip2.Run(prog2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	entry := out[0].Registries["R"].Entries["k"]
	plain, err := vcrypto.Decrypt(entry.Cipher, out[0].MasterKeyHex, []byte("R:k"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "v2" {
		t.Fatalf("got %q, want v2", plain)
	}
}

func TestNoActiveRegistry(t *testing.T) {
	prog := mustParse(t, "vault A\n  store -> \"k\" = \"v\"\n  secure\n")
	ip := newTestInterp(Options{})
	_, err := ip.Run(prog)
	if _, ok := err.(*NoActiveRegistryError); !ok {
		t.Fatalf("expected *NoActiveRegistryError, got %T: %v", err, err)
	}
}

func TestIfMissingGuardsSeeding(t *testing.T) {
	src := "vault A\n  registry R\n  if missing -> \"k\"\n    store -> \"k\" = \"v\"\n  secure\n"
	prog := mustParse(t, src)
	ip := newTestInterp(Options{})
	out, err := ip.Run(prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := out[0].Registries["R"].Entries["k"]; !ok {
		t.Fatal("expected entry created on first compile")
	}

	ip2 := newTestInterp(Options{})
	ip2.Seed(out)
	prog2 := mustParse(t, src)
	out2, err := ip2.Run(prog2)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out2[0].Registries["R"].Entries["k"].Cipher != out[0].Registries["R"].Entries["k"].Cipher {
		t.Fatal("expected entry to remain unchanged when guard is false")
	}
}

func TestOptionalVaultSkipVsMaterialize(t *testing.T) {
	src := "vault? B\n  registry R\n  secure\n"
	prog := mustParse(t, src)
	ip := newTestInterp(Options{})
	out, err := ip.Run(prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 0 {
		t.Fatal("expected optional vault to be skipped")
	}

	prog2 := mustParse(t, src)
	ip2 := newTestInterp(Options{MaterializeOptional: true})
	out2, err := ip2.Run(prog2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out2) != 1 || out2[0].Name != "B" {
		t.Fatal("expected optional vault to be materialized")
	}
}

func TestMasterKeyMismatchOnSeed(t *testing.T) {
	prog := mustParse(t, "vault A\n  registry R\n  secure\n")
	ip := newTestInterp(Options{})
	out, err := ip.Run(prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	other, err := vcrypto.RandomKeyHex(32)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	ip2 := New(Options{ForcedMasterKey: other, HasForcedMasterKey: true})
	ip2.Seed(out)
	prog2 := mustParse(t, "vault A\n  registry R\n  secure\n")
	_, err = ip2.Run(prog2)
	if _, ok := err.(*MasterKeyMismatchError); !ok {
		t.Fatalf("expected *MasterKeyMismatchError, got %T: %v", err, err)
	}
}

func TestBuiltinsAreMockable(t *testing.T) {
	fixedTime := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	prog := mustParse(t, "vault A\n  registry R\n  store -> \"g\" = generate()\n  store -> \"n\" = now()\n  secure\n")
	ip := newTestInterp(Options{
		RandomHex: func(n int) (string, error) { return strings.Repeat("ab", n), nil },
		Clock:     func() time.Time { return fixedTime },
	})
	out, err := ip.Run(prog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	v := out[0]
	genPlain, err := vcrypto.Decrypt(v.Registries["R"].Entries["g"].Cipher, v.MasterKeyHex, []byte("R:g"))
	if err != nil {
		t.Fatalf("decrypt g: %v", err)
	}
	if string(genPlain) != strings.Repeat("ab", 16) {
		t.Fatalf("got %q", genPlain)
	}
	nowPlain, err := vcrypto.Decrypt(v.Registries["R"].Entries["n"].Cipher, v.MasterKeyHex, []byte("R:n"))
	if err != nil {
		t.Fatalf("decrypt n: %v", err)
	}
	if string(nowPlain) != fixedTime.Local().Format("2006-01-02T15:04:05") {
		t.Fatalf("got %q", nowPlain)
	}
}

func TestUnknownBuiltin(t *testing.T) {
	prog := mustParse(t, "vault A\n  registry R\n  store -> \"k\" = bogus()\n  secure\n")
	ip := newTestInterp(Options{})
	_, err := ip.Run(prog)
	if _, ok := err.(*UnknownBuiltinError); !ok {
		t.Fatalf("expected *UnknownBuiltinError, got %T: %v", err, err)
	}
}
