package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard on stdin and stdout
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard reading answers from in
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== slotpool configuration ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Identity provider
	for {
		w.print("Identity provider API key: ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			w.println("Error: API key is required")
			continue
		}
		cfg.Identity.APIKey = key
		break
	}

	w.println()
	w.println("Accounts (leave the id empty to finish):")
	for {
		w.printf("Account %d id: ", len(cfg.Accounts)+1)
		id, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if id == "" {
			if len(cfg.Accounts) == 0 {
				w.println("Error: at least one account is required")
				continue
			}
			break
		}

		w.printf("Secret for %s: ", id)
		secret, err := w.readLine()
		if err != nil {
			return nil, err
		}

		account := AccountConfig{ID: id, Secret: secret}
		if err := validator.ValidateAccount(account); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Accounts = append(cfg.Accounts, account)
	}

	w.println()
	w.printf("Max concurrent sessions [%d]: ", cfg.Pool.MaxSessions)
	raw, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			w.printf("Warning: invalid number %q, using default (%d)\n", raw, cfg.Pool.MaxSessions)
		} else {
			cfg.Pool.MaxSessions = n
		}
	}

	// Executor
	for {
		w.print("Executor URL: ")
		u, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateURL("executor url", u); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Executor.URL = u
		break
	}

	w.print("Queue backend (memory/redis) [memory]: ")
	backend, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(backend, "redis") {
		cfg.Queue.Backend = "redis"
		w.printf("Redis address [%s]: ", cfg.Redis.Addr)
		addr, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if addr != "" {
			cfg.Redis.Addr = addr
		}
	}

	w.println()
	w.print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) print(s string)                   { fmt.Fprint(w.out, s) }
func (w *Wizard) printf(f string, a ...interface{}) { fmt.Fprintf(w.out, f, a...) }
func (w *Wizard) println(a ...interface{})          { fmt.Fprintln(w.out, a...) }
