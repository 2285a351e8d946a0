package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Load error codes (E001-E099).
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeEmpty       = "E008" // No definitions found

	ErrCodeInvalidDocType   = "E010" // doctype does not compile
	ErrCodeInvalidMapping   = "E011" // mapping does not compile
	ErrCodeInvalidPlan      = "E012" // plan does not compile
	ErrCodeInvalidConnector = "E013" // connector does not compile
)

// LoadResult contains the definitions loaded from a directory.
type LoadResult struct {
	Definitions *ir.Definitions
	CUEValue    cue.Value // The raw CUE value for additional processing
	FileCount   int       // Number of CUE files found
}

// LoadError represents an error that occurred during loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// section is one top-level definitions struct and its compiler.
type section struct {
	label string
	code  string
	add   func(defs *ir.Definitions, v cue.Value) error
}

var sections = []section{
	{"doctype", ErrCodeInvalidDocType, func(defs *ir.Definitions, v cue.Value) error {
		dt, err := CompileDocType(v)
		if err == nil {
			defs.DocTypes[dt.Name] = *dt
		}
		return err
	}},
	{"mapping", ErrCodeInvalidMapping, func(defs *ir.Definitions, v cue.Value) error {
		m, err := CompileMapping(v)
		if err == nil {
			defs.Mappings[m.Name] = *m
		}
		return err
	}},
	{"plan", ErrCodeInvalidPlan, func(defs *ir.Definitions, v cue.Value) error {
		p, err := CompilePlan(v)
		if err == nil {
			defs.Plans[p.Name] = *p
		}
		return err
	}},
	{"connector", ErrCodeInvalidConnector, func(defs *ir.Definitions, v cue.Value) error {
		c, err := CompileConnector(v)
		if err == nil {
			defs.Connectors[c.Name] = *c
		}
		return err
	}},
}

// LoadDir loads and compiles the CUE definitions in dir.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadDir(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("definitions directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing definitions directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	value, loadErr := buildFiles(cuecontext.New(), cueFiles)
	if loadErr != nil {
		return nil, []error{loadErr}
	}

	result, errs := CompileValue(value, mode)
	result.FileCount = len(cueFiles)
	return result, errs
}

// CompileValue compiles the definitions sections of an already built value.
func CompileValue(value cue.Value, mode LoadMode) (*LoadResult, []error) {
	var errs []error
	result := &LoadResult{
		Definitions: ir.NewDefinitions(),
		CUEValue:    value,
	}

	found := 0
	for _, sec := range sections {
		sv := value.LookupPath(cue.ParsePath(sec.label))
		if !sv.Exists() {
			continue
		}
		iter, iterErr := sv.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating %s: %v", sec.label, iterErr)})
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		for iter.Next() {
			found++
			if err := sec.add(result.Definitions, iter.Value()); err != nil {
				errs = append(errs, convertCompileError(err, sec.code, sec.label+"."+iter.Selector().String()))
				if mode == LoadModeFailFast {
					return result, errs
				}
			}
		}
	}

	if found == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeEmpty, Message: "no doctype, mapping, plan or connector definitions found"})
	}
	return result, errs
}

// buildFiles loads the named files and unifies them into one value.
// Files are passed to the loader explicitly, grouped by directory, so
// files without a package clause are included alongside packaged ones.
func buildFiles(ctx *cue.Context, files []string) (cue.Value, *LoadError) {
	var dirs []string
	byDir := make(map[string][]string)
	for _, f := range files {
		d := filepath.Dir(f)
		if _, ok := byDir[d]; !ok {
			dirs = append(dirs, d)
		}
		byDir[d] = append(byDir[d], filepath.Base(f))
	}

	var value cue.Value
	for i, d := range dirs {
		instances := load.Instances(byDir[d], &load.Config{Dir: d})
		if len(instances) == 0 {
			return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
		}
		inst := instances[0]
		if inst.Err != nil {
			return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
		}
		v := ctx.BuildInstance(inst)
		if err := v.Err(); err != nil {
			return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
		}
		if i == 0 {
			value = v
		} else {
			value = value.Unify(v)
		}
	}
	if err := value.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return value, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, code, context string) *LoadError {
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    code,
			Message: fmt.Sprintf("%s.%s: %s", context, compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    code,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}
