// compile.go - JIT-Compiler des Software-Geraets
//
// Der Compiler loest Includes gegen die -I Pfade auf, prueft die Klammerung
// und erzeugt ein Image mit einer Symboltabelle der exportierten Funktionen.
// Das Compiler-Log folgt dem Format des Vendor-Compilers.
package sim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ceng23333/cuda-driver/jit"
)

var errCompilation = errors.New("compilation failed")

// Header, die der Compiler selbst mitbringt
var builtinHeaders = map[string]bool{
	"cuda.h":         true,
	"cuda_runtime.h": true,
	"cuda_fp16.h":    true,
	"cuda_bf16.h":    true,
	"stdint.h":       true,
	"cstdint":        true,
	"math.h":         true,
}

const maxIncludeDepth = 16

func (d *Driver) CompilerVersion() (string, error) {
	return d.opts.CompilerVersion, nil
}

type compilation struct {
	name     string
	includes []string
	log      strings.Builder
	errors   int
}

func (c *compilation) errorf(line int, format string, args ...any) {
	c.errors++
	fmt.Fprintf(&c.log, "%s(%d): error: %s\n", c.name, line, fmt.Sprintf(format, args...))
}

// Compile uebersetzt src; das Log ist auch bei Erfolg gesetzt, wenn es
// Warnungen gibt
func (d *Driver) Compile(src, name string, flags []string) ([]byte, string, error) {
	c := &compilation{name: name}
	for i := 0; i < len(flags); i++ {
		switch f := flags[i]; {
		case f == "-I" && i+1 < len(flags):
			i++
			c.includes = append(c.includes, flags[i])
		case strings.HasPrefix(f, "-I"):
			c.includes = append(c.includes, f[2:])
		case strings.HasPrefix(f, "--include-path="):
			c.includes = append(c.includes, strings.TrimPrefix(f, "--include-path="))
		case f == "-Xclang" && i+1 < len(flags):
			i++
		case f == "--no-cuda-version-check", strings.HasPrefix(f, "-D"), strings.HasPrefix(f, "-O"),
			strings.HasPrefix(f, "-arch="), strings.HasPrefix(f, "--gpu-architecture="), strings.HasPrefix(f, "-std="):
		default:
			fmt.Fprintf(&c.log, "warning: ignoring unknown option '%s'\n", f)
		}
	}

	expanded := c.expand(src, 0)
	if c.errors == 0 {
		c.checkBraces(expanded)
	}
	if c.errors > 0 {
		fmt.Fprintf(&c.log, "%d error(s) detected in the compilation of \"%s\".\n", c.errors, name)
		return nil, c.log.String(), errCompilation
	}

	var image strings.Builder
	fmt.Fprintf(&image, "//\n// Generated by sim compiler %s\n// Source: %s\n//\n\n", d.opts.CompilerVersion, name)
	fmt.Fprintf(&image, ".version %s\n.target sim\n.address_size 64\n\n", d.opts.CompilerVersion)
	for _, sym := range jit.Search(expanded) {
		directive := ".func"
		if sym.Kind == jit.SymbolGlobal {
			directive = ".entry"
		}
		fmt.Fprintf(&image, ".visible %s %s()\n{\n\tret;\n}\n\n", directive, sym.Name)
	}
	return []byte(image.String()), c.log.String(), nil
}

// expand ersetzt #include-Zeilen durch den Inhalt der Datei
func (c *compilation) expand(src string, depth int) string {
	var sb strings.Builder
	for i, line := range strings.Split(src, "\n") {
		header, ok := includeTarget(line)
		if !ok {
			sb.WriteString(line)
			sb.WriteByte('\n')
			continue
		}
		if builtinHeaders[header] {
			continue
		}
		if depth >= maxIncludeDepth {
			c.errorf(i+1, "#include nested too deeply")
			continue
		}

		found := false
		for _, dir := range c.includes {
			b, err := os.ReadFile(filepath.Join(dir, header))
			if err == nil {
				sb.WriteString(c.expand(string(b), depth+1))
				found = true
				break
			}
		}
		if !found {
			c.errors++
			fmt.Fprintf(&c.log, "%s(%d): catastrophic error: cannot open source file \"%s\"\n", c.name, i+1, header)
		}
	}
	return sb.String()
}

func includeTarget(line string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "#include")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 {
		return "", false
	}
	switch rest[0] {
	case '<':
		name, _, ok := strings.Cut(rest[1:], ">")
		return name, ok
	case '"':
		name, _, ok := strings.Cut(rest[1:], "\"")
		return name, ok
	}
	return "", false
}

// checkBraces prueft die Klammerung ausserhalb von Kommentaren und Literalen
func (c *compilation) checkBraces(src string) {
	depth, line := 0, 1
	for i := 0; i < len(src); i++ {
		switch ch := src[i]; {
		case ch == '\n':
			line++
		case strings.HasPrefix(src[i:], "//"):
			for i < len(src) && src[i] != '\n' {
				i++
			}
			line++
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				c.errorf(line, "unterminated comment")
				return
			}
			line += strings.Count(src[i:i+2+end], "\n")
			i += end + 3
		case ch == '"' || ch == '\'':
			for i++; i < len(src) && src[i] != ch; i++ {
				if src[i] == '\\' {
					i++
				}
			}
		case ch == '{':
			depth++
		case ch == '}':
			if depth == 0 {
				c.errorf(line, "expected a declaration")
				return
			}
			depth--
		}
	}
	if depth > 0 {
		c.errorf(line, "expected a \"}\"")
	}
}
