package interp

import (
	"fmt"
	"time"

	"vaultc/internal/ast"
	"vaultc/internal/vcrypto"
)

// Logger receives the interpreter's verbose/note trace, mirroring the
// teacher's InterpreterOptions.verbose-gated std::cout lines but routed
// through an injectable sink instead of a bare global writer.
type Logger interface {
	Printf(format string, args ...interface{})
}

// NopLogger discards everything; it is the default when Options.Logger
// is nil.
type NopLogger struct{}

// Printf implements Logger by doing nothing.
func (NopLogger) Printf(string, ...interface{}) {}

// Options configures a single interpreter run. RandomHex and Clock are
// the injection points the spec's concurrency model requires: the
// builtin generate()/now() must be mockable for deterministic tests.
type Options struct {
	MaterializeOptional bool
	ForcedMasterKey     string
	HasForcedMasterKey  bool
	RandomHex           func(n int) (string, error) // n = byte count
	Clock               func() time.Time
	Logger              Logger
}

func (o *Options) fillDefaults() {
	if o.RandomHex == nil {
		o.RandomHex = vcrypto.RandomKeyHex
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = NopLogger{}
	}
}

// Interpreter owns every SealedVault (seeded or newly created) for the
// duration of one Run, exactly as the spec's ownership model describes:
// the archive codec only ever receives vaults by move, via the slice Run
// returns.
type Interpreter struct {
	opts    Options
	byName  map[string]*SealedVault
	current *SealedVault
	currReg string
	haveReg bool
}

// New constructs an Interpreter for one compilation run.
func New(opts Options) *Interpreter {
	opts.fillDefaults()
	return &Interpreter{opts: opts, byName: map[string]*SealedVault{}}
}

// Seed loads previously sealed vaults (e.g. from a loaded archive) so a
// subsequent Run may extend or revive them.
func (ip *Interpreter) Seed(existing []*SealedVault) {
	ip.byName = make(map[string]*SealedVault, len(existing))
	for _, v := range existing {
		ip.byName[v.Name] = v.Clone()
	}
}

// Run evaluates every vault block in program order and returns the
// vaults produced this run, in that same order.
func (ip *Interpreter) Run(program ast.Program) ([]*SealedVault, error) {
	var out []*SealedVault
	for _, vb := range program.Vaults {
		v, emitted, err := ip.evaluateVault(vb)
		if err != nil {
			return nil, err
		}
		if emitted {
			out = append(out, v)
		}
	}
	return out, nil
}

func (ip *Interpreter) evaluateVault(vb ast.VaultBlock) (*SealedVault, bool, error) {
	ip.current = nil
	ip.haveReg = false

	existing, exists := ip.byName[vb.Name]
	if vb.Optional && !exists && !ip.opts.MaterializeOptional {
		ip.opts.Logger.Printf("[skip] optional vault %q not present", vb.Name)
		return nil, false, nil
	}

	var vault *SealedVault
	if !exists {
		key := ip.opts.ForcedMasterKey
		if !ip.opts.HasForcedMasterKey {
			var err error
			key, err = vcrypto.RandomKeyHex(32)
			if err != nil {
				return nil, false, err
			}
		}
		vault = newSealedVault(vb.Name, vb.Optional, key)
		ip.byName[vb.Name] = vault
	} else {
		if ip.opts.HasForcedMasterKey && existing.MasterKeyHex != ip.opts.ForcedMasterKey {
			return nil, false, &MasterKeyMismatchError{Vault: vb.Name}
		}
		existing.Optional = vb.Optional
		existing.Sealed = false
		vault = existing
	}

	ip.current = vault
	ip.opts.Logger.Printf("[vault] %s %s", optionalLabel(vb.Optional), vb.Name)

	if err := ip.executeBody(vb.Body); err != nil {
		return nil, false, err
	}

	return vault, true, nil
}

func optionalLabel(optional bool) string {
	if optional {
		return "optional"
	}
	return "required"
}

func (ip *Interpreter) executeBody(stmts []ast.Statement) error {
	for _, s := range stmts {
		if err := ip.execute(s); err != nil {
			return err
		}
	}
	return nil
}

func (ip *Interpreter) execute(s ast.Statement) error {
	vault := ip.current
	switch s.Kind {
	case ast.StmtRegistry:
		if vault.Sealed {
			return &SealedVaultWriteError{Line: s.Line}
		}
		ip.currReg = s.Registry
		ip.haveReg = true
		ip.opts.Logger.Printf("  [registry] %s", s.Registry)
		return nil

	case ast.StmtIf:
		present, err := ip.isPresent(s.Cond.Target, s.Line)
		if err != nil {
			return err
		}
		cond := present
		if s.Cond.IsMissing {
			cond = !present
		}
		ip.opts.Logger.Printf("  [if] %s -> %q => %t", ifLabel(s.Cond.IsMissing), s.Cond.Target.Key, cond)
		if cond {
			return ip.executeBody(s.Cond.Body)
		}
		return nil

	case ast.StmtStore:
		if vault.Sealed {
			return &SealedVaultWriteError{Line: s.Line}
		}
		regName, err := ip.resolveRegistry(s.Target, s.Line)
		if err != nil {
			return err
		}
		if vault.has(regName, s.Target.Key) {
			return &OverwriteError{Line: s.Line}
		}
		return ip.sealEntry(vault, regName, s.Target.Key, s.Value, s.Line, "store")

	case ast.StmtReplace:
		if vault.Sealed {
			return &SealedVaultWriteError{Line: s.Line}
		}
		regName, err := ip.resolveRegistry(s.Target, s.Line)
		if err != nil {
			return err
		}
		return ip.sealEntry(vault, regName, s.Target.Key, s.Value, s.Line, "replace")

	case ast.StmtNote:
		ip.opts.Logger.Printf("  [note] %s", s.Note)
		return nil

	case ast.StmtSecure:
		vault.Sealed = true
		ip.opts.Logger.Printf("  [secure] vault sealed")
		return nil
	}
	return fmt.Errorf("interp: unhandled statement kind %d", s.Kind)
}

func (ip *Interpreter) sealEntry(vault *SealedVault, regName, key string, value ast.ValueExpr, line int, verb string) error {
	plain, err := ip.builtinValue(value)
	if err != nil {
		return err
	}
	aad := []byte(regName + ":" + key)
	cipher, err := vcrypto.Encrypt([]byte(plain), vault.MasterKeyHex, aad)
	if err != nil {
		return err
	}
	digest, err := vcrypto.Digest([]byte(cipher), vault.MasterKeyHex)
	if err != nil {
		return err
	}
	vault.put(regName, key, SealedEntry{Digest: digest, Cipher: cipher})
	ip.opts.Logger.Printf("  [%s] %s (sealed)", verb, key)
	return nil
}

func ifLabel(isMissing bool) string {
	if isMissing {
		return "missing"
	}
	return "present"
}

func (ip *Interpreter) isPresent(t ast.Target, line int) (bool, error) {
	regName, err := ip.resolveRegistry(t, line)
	if err != nil {
		return false, err
	}
	return ip.current.has(regName, t.Key), nil
}

func (ip *Interpreter) resolveRegistry(t ast.Target, line int) (string, error) {
	if t.HasReg {
		return t.Registry, nil
	}
	if ip.haveReg {
		return ip.currReg, nil
	}
	return "", &NoActiveRegistryError{Line: line}
}

func (ip *Interpreter) builtinValue(v ast.ValueExpr) (string, error) {
	switch v.Kind {
	case ast.ValueLiteral, ast.ValueDocument:
		return v.Text, nil
	case ast.ValueBuiltin:
		switch v.Text {
		case "generate":
			return ip.opts.RandomHex(16) // 16 bytes -> 32 lowercase hex chars
		case "now":
			return ip.opts.Clock().Local().Format("2006-01-02T15:04:05"), nil
		default:
			return "", &UnknownBuiltinError{Name: v.Text}
		}
	}
	return "", fmt.Errorf("interp: unhandled value kind %d", v.Kind)
}
