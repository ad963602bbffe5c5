package currency

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ExampleFile is written into an empty or fresh currency directory.
const ExampleFile = "example.yml"

const exampleCurrency = `# Example currency definition. Copy this file to add a currency.
id: coins
format: "<amount> <currency>"
singular: "<gold>Coin</gold>"
plural: "<gold>Coins</gold>"
decimal: true
primary: true
command_prefix: coins
command_aliases:
  - money
  - bal
`

// Loader reads currency definitions from a directory, one file per currency.
type Loader struct {
	dir    string
	logger zerolog.Logger
}

func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{dir: dir, logger: logger}
}

// Load parses every .yml, .yaml and .json file in lexical order. Files that
// cannot be read or fail validation are skipped with a warning.
func (l *Loader) Load() ([]*Currency, error) {
	if err := l.ensureDir(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read currency dir %s: %w", l.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !isCurrencyFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []*Currency
	for _, name := range names {
		c, err := l.loadFile(filepath.Join(l.dir, name))
		if err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("skipping currency file")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadInto registers every loaded currency into cat and locks it.
func (l *Loader) LoadInto(cat *Catalog) error {
	curs, err := l.Load()
	if err != nil {
		return err
	}

	for _, c := range curs {
		if !cat.Register(c) {
			l.logger.Warn().Str("currency", c.ID).Msg("duplicate currency ignored")
		}
	}
	cat.Lock()

	if _, ok := cat.Primary(); !ok {
		l.logger.Warn().Msg("no primary currency configured")
	}
	l.logger.Info().Int("count", cat.Len()).Msg("currencies loaded")
	return nil
}

func (l *Loader) loadFile(path string) (*Currency, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var d Data
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return Validate(d)
}

func (l *Loader) ensureDir() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create currency dir %s: %w", l.dir, err)
	}

	example := filepath.Join(l.dir, ExampleFile)
	if _, err := os.Stat(example); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", example, err)
	}

	if err := os.WriteFile(example, []byte(exampleCurrency), 0o644); err != nil {
		return fmt.Errorf("write example currency: %w", err)
	}
	l.logger.Info().Str("file", example).Msg("wrote example currency file")
	return nil
}

func isCurrencyFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml", ".json":
		return true
	}
	return false
}
