package whistleca

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// overridePattern matches "<name>.crt", "<name>.key" and their "*." / "_."
// wildcard forms.
var overridePattern = regexp.MustCompile(`^([*_]\.)?(.+)\.(crt|key)$`)

// FileKind tells whether an override file holds a certificate or a key.
type FileKind int

const (
	KindCert FileKind = iota
	KindKey
)

// OverrideKind reports which table satisfied a lookup.
type OverrideKind string

const (
	OverrideExact    OverrideKind = "exact"
	OverrideWildcard OverrideKind = "wildcard"
)

// OverrideName is the parsed form of a file name in the override directory.
type OverrideName struct {
	Name     string
	Wildcard bool
	Kind     FileKind
}

// Key returns the table key the file belongs to: ".<name>" for wildcard
// files, the bare name otherwise.
func (n OverrideName) Key() string {
	if n.Wildcard {
		return "." + n.Name
	}
	return n.Name
}

// ParseOverrideName classifies a directory entry. ok is false for names that
// are not override files.
func ParseOverrideName(name string) (OverrideName, bool) {
	m := overridePattern.FindStringSubmatch(name)
	if m == nil {
		return OverrideName{}, false
	}
	n := OverrideName{Name: m[2], Wildcard: m[1] != "", Kind: KindCert}
	if m[3] == "key" {
		n.Kind = KindKey
	}
	return n, true
}

// Overrides holds user supplied certificates. It is filled once before the
// root is loaded and never mutated afterwards.
type Overrides struct {
	Dir      string
	Exact    map[string]KeyPair
	Wildcard map[string]KeyPair

	// RootKeyFile and RootCertFile are set when the directory carries a
	// complete root.key / root.crt pair.
	RootKeyFile  string
	RootCertFile string
}

type overrideGroup struct {
	wildcard bool
	pair     KeyPair
}

// LoadOverrides scans dir for override certificates. An empty dir yields empty
// tables. Unreadable files are skipped and groups missing either half are
// dropped.
func LoadOverrides(dir string, logger *slog.Logger) *Overrides {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Overrides{
		Dir:      dir,
		Exact:    make(map[string]KeyPair),
		Wildcard: make(map[string]KeyPair),
	}
	if dir == "" {
		return o
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("read override directory", "dir", dir, "error", err)
		return o
	}

	groups := make(map[string]*overrideGroup)
	for _, entry := range entries {
		n, ok := ParseOverrideName(entry.Name())
		if !ok {
			continue
		}
		g := groups[n.Key()]
		if g == nil {
			g = &overrideGroup{}
			groups[n.Key()] = g
		}
		if n.Wildcard {
			g.wildcard = true
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Debug("skip unreadable override file", "file", entry.Name(), "error", err)
			continue
		}
		if n.Kind == KindKey {
			g.pair.KeyPEM = data
		} else {
			g.pair.CertPEM = data
		}
	}

	if root, ok := groups["root"]; ok {
		delete(groups, "root")
		if root.pair.complete() {
			o.RootKeyFile = filepath.Join(dir, "root.key")
			o.RootCertFile = filepath.Join(dir, "root.crt")
			logger.Info("using custom root CA", "cert", o.RootCertFile)
		}
	}

	for key, g := range groups {
		if !g.pair.complete() {
			logger.Debug("drop incomplete override", "name", key)
			continue
		}
		if g.wildcard {
			o.Wildcard[key] = g.pair
		} else {
			o.Exact[key] = g.pair
		}
	}

	logger.Info("loaded certificate overrides", "dir", dir, "exact", len(o.Exact), "wildcard", len(o.Wildcard))
	return o
}

// HasCustomRoot reports whether the override directory replaces the root CA.
func (o *Overrides) HasCustomRoot() bool {
	return o != nil && o.RootKeyFile != "" && o.RootCertFile != ""
}

// Lookup resolves host against the exact table, then the wildcard table keyed
// on the suffix starting at the first dot.
func (o *Overrides) Lookup(host string) (KeyPair, OverrideKind, bool) {
	if o == nil {
		return KeyPair{}, "", false
	}
	if p, ok := o.Exact[host]; ok {
		return p, OverrideExact, true
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		if p, ok := o.Wildcard[host[i:]]; ok {
			return p, OverrideWildcard, true
		}
	}
	return KeyPair{}, "", false
}

// Names returns the sorted keys of both tables.
func (o *Overrides) Names() (exact, wildcard []string) {
	if o == nil {
		return nil, nil
	}
	for k := range o.Exact {
		exact = append(exact, k)
	}
	for k := range o.Wildcard {
		wildcard = append(wildcard, k)
	}
	sort.Strings(exact)
	sort.Strings(wildcard)
	return exact, wildcard
}
