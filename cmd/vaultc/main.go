// Command vaultc compiles .vau vault programs into sealed .svau
// archives, verifies and displays existing archives, and runs .vsc
// query scripts against a loaded archive.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vaultc/internal/archive"
	"vaultc/internal/interp"
	"vaultc/internal/lexer"
	"vaultc/internal/parser"
	"vaultc/internal/procguard"
	"vaultc/internal/query"
	"vaultc/internal/vconfig"
	"vaultc/internal/vcrypto"
)

type stdoutLogger struct{}

func (stdoutLogger) Printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: vaultc <input.vau|input.svau|input.vsc> [--out file.svau] [--stdout] [--hide-mac] [--load file.svau] [--verbose] [--materialize-optionals] [--lost]")
}

func defaultOutput(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".svau"
}

func main() {
	if err := procguard.Harden(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: unable to harden process:", err)
	}
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	input               string
	output              string
	emitStdout          bool
	hideMac             bool
	loadPath            string
	hasLoadPath         bool
	verbose             bool
	materializeOptional bool
	lost                bool
}

func parseArgs(args []string) (cliOptions, error) {
	if len(args) < 1 {
		return cliOptions{}, fmt.Errorf("no input file given")
	}
	opts := cliOptions{input: args[0], emitStdout: true}
	opts.output = defaultOutput(opts.input)

	for i := 1; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "--out":
			i++
			if i >= len(args) {
				return cliOptions{}, fmt.Errorf("--out requires a value")
			}
			opts.output = args[i]
			opts.emitStdout = false
		case "--stdout":
			opts.emitStdout = true
		case "--hide-mac":
			opts.hideMac = true
		case "--load":
			i++
			if i >= len(args) {
				return cliOptions{}, fmt.Errorf("--load requires a value")
			}
			opts.loadPath = args[i]
			opts.hasLoadPath = true
		case "--verbose":
			opts.verbose = true
		case "--materialize-optionals":
			opts.materializeOptional = true
		case "--lost":
			opts.lost = true
		default:
			return cliOptions{}, fmt.Errorf("unrecognized flag: %s", arg)
		}
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		usage()
		return err
	}

	cfg, err := vconfig.LoadDefault(opts.lost)
	if err != nil {
		return err
	}
	secret := procguard.LockSecret([]byte(cfg.MasterKey))
	defer secret.Release()

	switch filepath.Ext(opts.input) {
	case ".svau":
		return runVerify(opts, cfg)
	case ".vsc":
		return runQuery(opts, cfg)
	default:
		return runCompile(opts, cfg)
	}
}

func runVerify(opts cliOptions, cfg vconfig.Config) error {
	f, err := os.Open(opts.input)
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := archive.Load(f, cfg.Token, cfg.MasterKey)
	if err != nil {
		return err
	}
	return printPlain(os.Stdout, a, opts.hideMac)
}

func runQuery(opts cliOptions, cfg vconfig.Config) error {
	if !opts.hasLoadPath {
		return fmt.Errorf("script requires --load <archive.svau>")
	}
	lf, err := os.Open(opts.loadPath)
	if err != nil {
		return err
	}
	defer lf.Close()

	a, err := archive.Load(lf, cfg.Token, cfg.MasterKey)
	if err != nil {
		return err
	}

	entries, err := query.Entries(a)
	if err != nil {
		return err
	}
	script, err := os.ReadFile(opts.input)
	if err != nil {
		return fmt.Errorf("unable to read script: %s", opts.input)
	}
	return query.Run(string(script), entries, os.Stdout)
}

func runCompile(opts cliOptions, cfg vconfig.Config) error {
	lines, err := lexer.LexFile(opts.input)
	if err != nil {
		return err
	}
	prog, err := parser.New(lines).Parse()
	if err != nil {
		return err
	}

	var logger interp.Logger = interp.NopLogger{}
	if opts.verbose {
		logger = stdoutLogger{}
	}
	ip := interp.New(interp.Options{
		MaterializeOptional: opts.materializeOptional,
		ForcedMasterKey:     cfg.MasterKey,
		HasForcedMasterKey:  true,
		Logger:              logger,
	})

	var deps []string
	if opts.hasLoadPath {
		lf, err := os.Open(opts.loadPath)
		if err != nil {
			return err
		}
		seed, err := archive.Load(lf, cfg.Token, cfg.MasterKey)
		lf.Close()
		if err != nil {
			return err
		}
		deps = append(deps, seed.Dependencies...)
		deps = append(deps, filepath.Base(opts.loadPath))
		ip.Seed(seed.Vaults)
	}
	deps = archive.SortedUniqueDeps(deps)

	sealed, err := ip.Run(prog)
	if err != nil {
		return err
	}

	if opts.emitStdout {
		if err := archive.Write(os.Stdout, sealed, cfg.Token, cfg.MasterKey, deps); err != nil {
			return err
		}
		return nil
	}

	f, err := os.Create(opts.output)
	if err != nil {
		return fmt.Errorf("unable to write: %s", opts.output)
	}
	err = archive.Write(f, sealed, cfg.Token, cfg.MasterKey, deps)
	closeErr := f.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	if opts.verbose {
		fmt.Fprintln(os.Stdout, "wrote", opts.output)
	}
	return nil
}

func printPlain(w *os.File, a archive.Archive, hideMac bool) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintln(bw, "# Vault Archive (decrypted view)")
	if len(a.Dependencies) > 0 {
		fmt.Fprint(bw, "depends")
		for _, d := range a.Dependencies {
			fmt.Fprint(bw, " ", d)
		}
		fmt.Fprintln(bw)
	}
	for _, v := range a.Vaults {
		fmt.Fprintln(bw, "vault", v.Name)
		for _, regName := range v.RegistryNames() {
			reg := v.Registries[regName]
			fmt.Fprintln(bw, "  registry", regName)
			for _, key := range reg.EntryKeys() {
				e := reg.Entries[key]
				plain := e.Cipher
				if v.Sealed {
					p, err := vcrypto.Decrypt(e.Cipher, v.MasterKeyHex, []byte(regName+":"+key))
					if err != nil {
						return fmt.Errorf("decrypt %s:%s: %w", regName, key, err)
					}
					plain = string(p)
				}
				if hideMac || !v.Sealed {
					fmt.Fprintf(bw, "    %s = %q\n", key, plain)
				} else {
					fmt.Fprintf(bw, "    %s = %q (mac=%s)\n", key, plain, e.Digest)
				}
			}
		}
		fmt.Fprintln(bw, "---")
	}
	return nil
}
