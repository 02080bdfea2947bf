// Package vconfig loads the .vault/var.vc credential file the vaultc
// driver needs before it can compile, verify, or query anything: the
// master key and token that gate every archive, plus the optional
// security-question recovery fields used in --lost mode.
package vconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"vaultc/internal/vcrypto"
)

// DefaultPath is where load_config looked, and where Load looks unless
// given an explicit path.
const DefaultPath = ".vault/var.vc"

// Config holds the parsed contents of var.vc.
type Config struct {
	MasterKey         string
	Token             string
	SecurityQuestions []string
	SecurityAnswers   []string
	SecurityDigests   []string
}

// MissingConfigError is returned when var.vc does not exist.
type MissingConfigError struct {
	Path string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("missing config: %s", e.Path)
}

// IncompleteConfigError is returned when MASTER_KEY or TOKEN is absent.
type IncompleteConfigError struct{}

func (e *IncompleteConfigError) Error() string {
	return "config incomplete: require MASTER_KEY and TOKEN in .vault/var.vc"
}

// SecurityRequiredError is returned in lost mode when no security
// answers or digests were supplied at all.
type SecurityRequiredError struct{}

func (e *SecurityRequiredError) Error() string {
	return "security questions/answers required in lost mode"
}

// SecurityMissingSlotError is returned in lost mode when a slot has
// neither a digest nor an answer to derive one from.
type SecurityMissingSlotError struct {
	Slot int
}

func (e *SecurityMissingSlotError) Error() string {
	return fmt.Sprintf("missing security answer/digest for slot %d", e.Slot)
}

// SecurityDigestMismatchError is returned in lost mode when a supplied
// answer's digest disagrees with the stored digest for the same slot.
type SecurityDigestMismatchError struct {
	Slot int
}

func (e *SecurityDigestMismatchError) Error() string {
	return fmt.Sprintf("security answer digest mismatch for slot %d", e.Slot)
}

// Load reads and validates var.vc at path. requireSecurity enables the
// --lost recovery checks: at least one security answer/digest pair must
// be present and, where both are given, must agree.
func Load(path string, requireSecurity bool) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, &MissingConfigError{Path: path}
		}
		return Config{}, err
	}
	defer f.Close()

	cfg, err := parse(f)
	if err != nil {
		return Config{}, err
	}
	if cfg.MasterKey == "" || cfg.Token == "" {
		return Config{}, &IncompleteConfigError{}
	}
	if requireSecurity {
		if err := checkSecurity(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// LoadDefault loads var.vc from DefaultPath.
func LoadDefault(requireSecurity bool) (Config, error) {
	return Load(filepath.Clean(DefaultPath), requireSecurity)
}

func parse(r io.Reader) (Config, error) {
	var cfg Config
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key, val := line[:eq], line[eq+1:]
		switch key {
		case "MASTER_KEY":
			cfg.MasterKey = val
		case "TOKEN":
			cfg.Token = val
		case "SECURITY_Q1", "SECURITY_Q2", "SECURITY_Q3":
			cfg.SecurityQuestions = append(cfg.SecurityQuestions, val)
		case "SECURITY_Q4":
			cfg.SecurityQuestions = append(cfg.SecurityQuestions, val)
			fmt.Fprintln(os.Stderr, "Warning: SECURITY_Q4 present; only 3 are recommended")
		case "SECURITY_A1_DIGEST", "SECURITY_A2_DIGEST", "SECURITY_A3_DIGEST", "SECURITY_A4_DIGEST":
			cfg.SecurityDigests = append(cfg.SecurityDigests, val)
		case "SECURITY_A1", "SECURITY_A2", "SECURITY_A3", "SECURITY_A4":
			cfg.SecurityAnswers = append(cfg.SecurityAnswers, val)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkSecurity(cfg *Config) error {
	if len(cfg.SecurityQuestions) > 3 {
		fmt.Fprintln(os.Stderr, "Warning: more than 3 security questions; only first 3 are recommended")
	}
	maxCount := len(cfg.SecurityDigests)
	if len(cfg.SecurityAnswers) > maxCount {
		maxCount = len(cfg.SecurityAnswers)
	}
	if maxCount == 0 {
		return &SecurityRequiredError{}
	}
	if maxCount > 4 {
		fmt.Fprintln(os.Stderr, "Warning: more than 4 security entries found; extra will be ignored")
		maxCount = 4
	}
	for i := 0; i < maxCount; i++ {
		var digest string
		if i < len(cfg.SecurityDigests) {
			digest = cfg.SecurityDigests[i]
		}
		if i < len(cfg.SecurityAnswers) {
			computed, err := vcrypto.Digest([]byte(cfg.SecurityAnswers[i]), cfg.MasterKey)
			if err != nil {
				return err
			}
			if digest != "" && digest != computed {
				return &SecurityDigestMismatchError{Slot: i + 1}
			}
			digest = computed
		}
		if digest == "" {
			return &SecurityMissingSlotError{Slot: i + 1}
		}
	}
	return nil
}
