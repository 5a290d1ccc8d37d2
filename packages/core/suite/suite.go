package suite

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml"}

// ValidationError lists every schema violation in one file.
type ValidationError struct {
	File     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid suite:\n  - %s", e.File, strings.Join(e.Problems, "\n  - "))
}

// File is the YAML form of a suite.
type File struct {
	Assembly string     `yaml:"assembly"`
	Types    []TypeDecl `yaml:"types"`
	Hooks    []HookDecl `yaml:"hooks"`
	Tests    []TestDecl `yaml:"tests"`
}

type TypeDecl struct {
	Name     string `yaml:"name"`
	Base     string `yaml:"base"`
	Assembly string `yaml:"assembly"`
}

type HookDecl struct {
	Name      string `yaml:"name"`
	Scope     string `yaml:"scope"`
	Direction string `yaml:"direction"`
	Type      string `yaml:"type"`
	Assembly  string `yaml:"assembly"`
	Run       string `yaml:"run"`
}

type DependencyDecl struct {
	Test             string `yaml:"test"`
	Class            string `yaml:"class"`
	ProceedOnFailure bool   `yaml:"proceed_on_failure"`
}

type GenericDecl struct {
	Name string `yaml:"name"`
	Arg  int    `yaml:"arg"`
}

type TestDecl struct {
	ID            string           `yaml:"id"`
	Class         string           `yaml:"class"`
	Method        string           `yaml:"method"`
	Run           string           `yaml:"run"`
	Args          []any            `yaml:"args"`
	Rows          []Row            `yaml:"rows"`
	Timeout       string           `yaml:"timeout"`
	Retry         int              `yaml:"retry"`
	Repeat        int              `yaml:"repeat"`
	NotInParallel []string         `yaml:"not_in_parallel"`
	ParallelGroup string           `yaml:"parallel_group"`
	ParallelLimit int              `yaml:"parallel_limit"`
	DependsOn     []DependencyDecl `yaml:"depends_on"`
	Generics      []GenericDecl    `yaml:"generics"`
	Skip          string           `yaml:"skip"`
	Tags          []string         `yaml:"tags"`
	Only          bool             `yaml:"only"`
	Hooks         []HookDecl       `yaml:"hooks"`
}

// Row is one data row. It is written either as a plain sequence of values
// or as a mapping with a label and values.
type Row struct {
	Label  string
	Values []any
}

func (r *Row) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&r.Values)
	}
	var labelled struct {
		Label  string `yaml:"label"`
		Values []any  `yaml:"values"`
	}
	if err := node.Decode(&labelled); err != nil {
		return err
	}
	r.Label = labelled.Label
	r.Values = labelled.Values
	return nil
}

// Validate checks raw YAML against the suite schema.
func Validate(name string, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%s: parsing yaml: %w", name, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%s: schema validation error: %w", name, err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{File: name}
	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, desc.String())
	}
	return verr
}

// Parse validates and decodes a suite. dir is where commands run and
// assembly is used when the suite does not name one.
func Parse(name string, data []byte, dir, assembly string) (*descriptor.Catalog, error) {
	if err := Validate(name, data); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: decoding suite: %w", name, err)
	}
	if f.Assembly != "" {
		assembly = f.Assembly
	}

	catalog, err := f.catalog(dir, assembly)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return catalog, nil
}

// LoadFile reads one suite file. The assembly defaults to the file name
// without its extension.
func LoadFile(path string) (*descriptor.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	assembly := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(path, data, filepath.Dir(abs), assembly)
}

// LoadDir loads every suite file under dir, recursively, into one catalog.
// It returns the files that were loaded in lexical order.
func LoadDir(dir string) (*descriptor.Catalog, []string, error) {
	files, err := FindFiles(dir)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := LoadFiles(files)
	return catalog, files, err
}

// LoadFiles loads and merges the given suite files.
func LoadFiles(files []string) (*descriptor.Catalog, error) {
	catalog := descriptor.NewCatalog()
	for _, path := range files {
		c, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		catalog.Merge(c)
	}
	return catalog, nil
}

// LoadPaths accepts a mix of files and directories.
func LoadPaths(paths []string) (*descriptor.Catalog, []string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := FindFiles(p)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, nil, errors.New("no suite files found")
	}
	catalog, err := LoadFiles(files)
	return catalog, files, err
}

// FindFiles returns the suite files under dir in lexical order.
func FindFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsSuiteFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// IsSuiteFile reports whether path has a suite file extension.
func IsSuiteFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (f *File) catalog(dir, assembly string) (*descriptor.Catalog, error) {
	catalog := descriptor.NewCatalog()

	for _, t := range f.Types {
		if t.Assembly == "" {
			t.Assembly = assembly
		}
		catalog.AddType(descriptor.TypeInfo{Name: t.Name, Base: t.Base, Assembly: t.Assembly})
	}

	for _, h := range f.Hooks {
		hook, err := h.hook(dir)
		if err != nil {
			return nil, err
		}
		if hook.Scope == descriptor.ScopeAssembly && hook.Assembly == "" {
			hook.Assembly = assembly
		}
		catalog.AddHook(hook)
	}

	for i, t := range f.Tests {
		d, err := t.descriptor(dir, assembly)
		if err != nil {
			return nil, fmt.Errorf("test %d (%s.%s): %w", i, t.Class, t.Method, err)
		}
		catalog.AddTest(d)
	}

	return catalog, nil
}

func (h HookDecl) hook(dir string) (descriptor.Hook, error) {
	scope, err := descriptor.ParseScope(h.Scope)
	if err != nil {
		return descriptor.Hook{}, err
	}
	direction, err := descriptor.ParseDirection(h.Direction)
	if err != nil {
		return descriptor.Hook{}, err
	}
	switch scope {
	case descriptor.ScopeTest, descriptor.ScopeClass:
		if h.Type == "" {
			return descriptor.Hook{}, fmt.Errorf("hook %s: %s hooks need a type", h.Name, scope)
		}
	}
	return descriptor.Hook{
		Name:          h.Name,
		Scope:         scope,
		Direction:     direction,
		DeclaringType: h.Type,
		Assembly:      h.Assembly,
		Fn:            ShellHook(h.Run, dir),
	}, nil
}

func (t TestDecl) descriptor(dir, assembly string) (*descriptor.TestDescriptor, error) {
	d := &descriptor.TestDescriptor{
		ID:            t.ID,
		ClassName:     t.Class,
		MethodName:    t.Method,
		Assembly:      assembly,
		MethodArgs:    t.Args,
		RetryLimit:    t.Retry,
		Repeat:        t.Repeat,
		NotInParallel: t.NotInParallel,
		ParallelGroup: t.ParallelGroup,
		ParallelLimit: t.ParallelLimit,
		Skip:          t.Skip,
		Tags:          t.Tags,
		Only:          t.Only,
		Body:          ShellBody(t.Run, dir),
	}
	if d.ID == "" {
		d.ID = t.Class + "." + t.Method
	}

	if t.Timeout != "" {
		timeout, err := time.ParseDuration(t.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		d.Timeout = timeout
	}

	for _, row := range t.Rows {
		data, err := json.Marshal(row.Values)
		if err != nil {
			return nil, fmt.Errorf("encoding row: %w", err)
		}
		d.DataRows = append(d.DataRows, descriptor.DataRow{Label: row.Label, JSON: string(data)})
	}

	for _, dep := range t.DependsOn {
		d.Dependencies = append(d.Dependencies, descriptor.DependencyRef{
			TestID:           dep.Test,
			ClassName:        dep.Class,
			ProceedOnFailure: dep.ProceedOnFailure,
		})
	}

	for _, g := range t.Generics {
		d.GenericParams = append(d.GenericParams, descriptor.GenericParam{Name: g.Name, ArgIndex: g.Arg})
	}

	for _, h := range t.Hooks {
		direction, err := descriptor.ParseDirection(h.Direction)
		if err != nil {
			return nil, err
		}
		d.Hooks = append(d.Hooks, descriptor.Hook{
			Name:          h.Name,
			Scope:         descriptor.ScopeTest,
			Direction:     direction,
			DeclaringType: t.Class,
			Fn:            ShellHook(h.Run, dir),
		})
	}

	return d, nil
}
